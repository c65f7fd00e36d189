package exchange

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/matryer/is"

	"github.com/chriscow/voice-session-go/pkg/fault"
)

func TestNetworkError(t *testing.T) {
	is := is.New(t)

	is.NoErr(NetworkError("ask", nil))

	err := NetworkError("ask", errors.New("connection reset"))
	is.True(errors.Is(err, fault.ErrNetworkFailure))

	status := fault.New(fault.KindBadStatus, "ask", errors.New("HTTP 500"))
	is.Equal(NetworkError("ask", status), status) // already classified
}

func TestIsTimeout(t *testing.T) {
	is := is.New(t)
	is.True(IsTimeout(context.DeadlineExceeded))
	is.True(IsTimeout(fmt.Errorf("post: %w", context.DeadlineExceeded)))
	is.True(!IsTimeout(context.Canceled))
}

func TestAnswerHasAudio(t *testing.T) {
	is := is.New(t)
	var nilAnswer *Answer
	is.True(!nilAnswer.HasAudio())
	is.True(!(&Answer{Text: "x"}).HasAudio())
	is.True((&Answer{Audio: []byte{1}}).HasAudio())
}
