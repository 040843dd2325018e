package guard

import (
	"fmt"
	"os"

	"github.com/google/uuid"
)

// processNonce is fixed for the lifetime of this process image. A forked
// child inherits the nonce but observes a new pid; an exec'd child gets a
// new nonce as well. Either drift fails the affinity comparison.
var processNonce = uuid.New()

// ProcessToken identifies the execution context that established a
// connection. It is stable across connection reuse within one process and
// distinct across a fork or subprocess boundary.
type ProcessToken struct {
	PID   int
	Nonce uuid.UUID
}

// CurrentProcess returns the token for the calling process. The pid is read
// on every call so a post-fork child sees its own.
func CurrentProcess() ProcessToken {
	return ProcessToken{PID: os.Getpid(), Nonce: processNonce}
}

func (t ProcessToken) Equal(o ProcessToken) bool { return t == o }

func (t ProcessToken) String() string {
	return fmt.Sprintf("%d/%s", t.PID, t.Nonce)
}
