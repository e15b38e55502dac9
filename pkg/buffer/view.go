package buffer

// View 是一段报文数据
type View []byte

func NewView(size int) View {
	return make(View, size)
}

// NewViewFromBytes 复制b，返回的View不与b共享内存
func NewViewFromBytes(b []byte) View {
	return append(View(nil), b...)
}

// TrimFront 移除前count个字节
func (v *View) TrimFront(count int) {
	*v = (*v)[count:]
}

// CapLength 减小切片长度至length
func (v *View) CapLength(length int) {
	*v = (*v)[:length:length]
}

// Size 返回字节数
func (v View) Size() int {
	return len(v)
}
