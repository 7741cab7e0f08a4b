package report

import (
	"errors"
	"fmt"
	"io"

	"github.com/emersion/go-mbox"
)

// ReadMbox calls fn for every message in an mbox stream, in order.
// Iteration stops at the first error returned by fn.
func ReadMbox(r io.Reader, fn func(index int, raw string) error) error {
	reader := mbox.NewReader(r)
	for i := 0; ; i++ {
		msg, err := reader.NextMessage()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading mbox message %d: %w", i, err)
		}
		body, err := io.ReadAll(msg)
		if err != nil {
			return fmt.Errorf("reading mbox message %d: %w", i, err)
		}
		if err := fn(i, string(body)); err != nil {
			return err
		}
	}
}
