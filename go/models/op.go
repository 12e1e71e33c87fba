package models

import "io"

type Op interface {
	Sizeof() int
	Pack(p []byte)
	Unpack(r io.Reader) (int, error)
}
