package realtime

import (
	"bytes"
	"errors"
	"testing"

	"github.com/pulsewatch/pulsewatch/internal/apperr"
)

func TestWriteBatchDelimitsQueuedFrames(t *testing.T) {
	queued := make(chan []byte, 4)
	queued <- []byte(`{"action":"pulse","id":"b"}`)
	queued <- []byte(`{"action":"pulse","id":"c"}`)

	var buf bytes.Buffer
	writeBatch(&buf, []byte(`{"action":"pulse","id":"a"}`), queued)

	want := `{"action":"pulse","id":"a"}` + "\n" +
		`{"action":"pulse","id":"b"}` + "\n" +
		`{"action":"pulse","id":"c"}`
	if got := buf.String(); got != want {
		t.Errorf("folded frames = %q, want %q", got, want)
	}

	// Frames must split back into individual JSON documents.
	if parts := bytes.Split(buf.Bytes(), []byte("\n")); len(parts) != 3 {
		t.Errorf("split into %d parts, want 3", len(parts))
	}

	// Nothing queued: the single frame goes out bare.
	buf.Reset()
	writeBatch(&buf, []byte(`{"action":"connected"}`), queued)
	if got := buf.String(); got != `{"action":"connected"}` {
		t.Errorf("single frame = %q", got)
	}
}

func TestErrMessage(t *testing.T) {
	err := apperr.New(apperr.KindUnauthorized, "invalid push token")
	if got := errMessage(err); got != "invalid push token" {
		t.Errorf("errMessage = %q", got)
	}
	// Internals of unexpected errors are not leaked to clients.
	if got := errMessage(errors.New("pq: connection refused")); got != "internal error" {
		t.Errorf("errMessage = %q", got)
	}
}
