package callsession

import (
	"context"

	"github.com/voicecore/callcore/internal/audioingress"
	"github.com/voicecore/callcore/pkg/audio"
)

// ingressFrameSource adapts audioingress.Worker's channel-of-AudioFrame
// output to the []byte/ok shape sttclient.Worker's FrameSource expects.
type ingressFrameSource struct {
	frames <-chan audio.AudioFrame
}

func newIngressFrameSource(w *audioingress.Worker) *ingressFrameSource {
	return &ingressFrameSource{frames: w.Frames()}
}

// Recv returns the next frame's payload, or (nil, false) once the ingress
// worker's output channel is closed (call ended or Run returned).
func (s *ingressFrameSource) Recv(ctx context.Context) ([]byte, bool) {
	select {
	case f, ok := <-s.frames:
		if !ok {
			return nil, false
		}
		return f.Data, true
	case <-ctx.Done():
		return nil, false
	}
}
