package objfile

import (
	"fmt"

	"github.com/TheMichaelB/objsync/internal/storage"
)

// WriteStart writes preamble, diff, header and optional first segment
// bytes to a fresh sink.
func WriteStart(sink storage.Sink, diff, header, segs []byte) error {
	head, err := Encode(diff, header)
	if err != nil {
		return err
	}

	if _, err := sink.Write(head); err != nil {
		return fmt.Errorf("write object head: %w", err)
	}
	if len(segs) > 0 {
		if _, err := sink.Write(segs); err != nil {
			return fmt.Errorf("write segments: %w", err)
		}
	}
	return nil
}
