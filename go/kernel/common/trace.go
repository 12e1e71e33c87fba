package common

import (
	"fmt"
	"strings"
)

func (s Syscall) traceArg(arg interface{}) string {
	hex := func(a interface{}) string {
		tmp := fmt.Sprintf("0x%x", a)
		if strings.HasPrefix(tmp, "0x-") {
			tmp = "-0x" + tmp[3:]
		}
		return tmp
	}

	switch arg := arg.(type) {
	case Obuf:
		return hex(arg.Addr)
	case Buf:
		return hex(arg.Addr)
	case Len:
		return fmt.Sprintf("%d", uint64(arg))
	case Ptr:
		return hex(uint64(arg))
	case uint64:
		return hex(arg)
	default:
		return fmt.Sprintf("%v", arg)
	}
}

func (s Syscall) traceArgs(regs []uint64) string {
	inRef, err := s.Kernel.Argjoy.Convert(s.In, false, regs)
	if err != nil {
		return err.Error()
	}
	ret := make([]string, len(inRef))
	for i, val := range inRef {
		ret[i] = s.traceArg(val.Interface())
	}
	return strings.Join(ret, ", ")
}

func (s Syscall) Trace(regs []uint64) string {
	return fmt.Sprintf("%s(%s)", s.Name, s.traceArgs(regs))
}

// TraceRet formats the return value; errors show as negative numbers.
func (s Syscall) TraceRet(ret uint64) string {
	if int64(ret) < 0 {
		return fmt.Sprintf(" = %d", int64(ret))
	}
	return " = " + s.traceArg(ret)
}
