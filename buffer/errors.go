package buffer

import "errors"

// ErrBufferFull is returned when the memory ceiling prevents allocating
// or growing a chunk. The failed append leaves existing state untouched.
var ErrBufferFull = errors.New("buffer full")

// ErrInvalidConfig is returned when a Config field is out of range.
var ErrInvalidConfig = errors.New("invalid buffer config")
