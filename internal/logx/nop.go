package logx

type nop struct{}

// Nop discards everything. Services fall back to it when no logger is wired.
func Nop() Logger { return nop{} }

func (nop) Debug(string, ...Field) {}
func (nop) Info(string, ...Field)  {}
func (nop) Warn(string, ...Field)  {}
func (nop) Error(string, ...Field) {}
func (nop) With(...Field) Logger   { return nop{} }
