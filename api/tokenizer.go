// File: api/tokenizer.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package api

// Tokenizer is the text codec collaborator. Implementations must be safe
// for concurrent use: Encode runs on the preprocessor goroutine while
// Decode runs on the postprocessor goroutine.
type Tokenizer interface {
	Encode(text string) ([]int32, error)
	Decode(tokens []int32) (string, error)
}
