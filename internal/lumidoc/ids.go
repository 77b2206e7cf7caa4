package lumidoc

import (
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"
)

// IDFunc produces ids that are unique within a document.
type IDFunc func() string

// NewID returns a short random id.
func NewID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// SequentialIDs returns a deterministic generator, used by tests and the
// local convert command.
func SequentialIDs(prefix string) IDFunc {
	var n atomic.Int64
	return func() string {
		return fmt.Sprintf("%s%d", prefix, n.Add(1))
	}
}
