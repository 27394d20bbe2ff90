package camera

import (
	"context"
	"errors"
	"image"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
)

// readAsync reads one frame on a goroutine and advances the mock clock
// until it arrives.
func readAsync(t *testing.T, mock *clock.Mock, tr *Track) (image.Image, error) {
	t.Helper()
	type result struct {
		img image.Image
		err error
	}
	ch := make(chan result, 1)
	go func() {
		img, release, err := tr.Read()
		release()
		ch <- result{img, err}
	}()

	deadline := time.After(2 * time.Second)
	for {
		mock.Add(10 * time.Millisecond)
		select {
		case r := <-ch:
			return r.img, r.err
		case <-deadline:
			t.Fatalf("read did not complete")
		case <-time.After(2 * time.Millisecond):
		}
	}
}

func TestPatternProducesFrames(t *testing.T) {
	mock := clock.NewMock()
	src := NewPattern(64, 48, 30, mock)

	stream, err := src.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer stream.Stop()

	tracks := stream.VideoTracks()
	if len(tracks) != 1 {
		t.Fatalf("expected 1 track, got %d", len(tracks))
	}

	img, err := readAsync(t, mock, tracks[0])
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if img.Bounds().Dx() != 64 || img.Bounds().Dy() != 48 {
		t.Fatalf("unexpected frame size %v", img.Bounds())
	}
}

func TestReacquireYieldsFreshTracks(t *testing.T) {
	mock := clock.NewMock()
	src := NewPattern(32, 24, 30, mock)

	first, err := src.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := first.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if first.Active() {
		t.Fatalf("stopped stream reports active")
	}

	second, err := src.Acquire(context.Background())
	if err != nil {
		t.Fatalf("re-acquire: %v", err)
	}
	defer second.Stop()

	if second.ID() == first.ID() {
		t.Fatalf("re-acquired stream reused id %s", first.ID())
	}
	old := first.VideoTracks()[0]
	fresh := second.VideoTracks()[0]
	if old == fresh || old.ID() == fresh.ID() {
		t.Fatalf("re-acquired stream reused a stopped track")
	}
	if fresh.Stopped() || !second.Active() {
		t.Fatalf("fresh track should be live")
	}

	if _, _, err := old.Read(); !errors.Is(err, ErrTrackStopped) {
		t.Fatalf("read on stopped track: got %v, want ErrTrackStopped", err)
	}
	if _, err := readAsync(t, mock, fresh); err != nil {
		t.Fatalf("fresh track read: %v", err)
	}
}

func TestStopUnblocksPendingRead(t *testing.T) {
	src := NewPattern(32, 24, 1, clock.NewMock())
	stream, err := src.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	tr := stream.VideoTracks()[0]

	errc := make(chan error, 1)
	go func() {
		_, _, err := tr.Read()
		errc <- err
	}()

	time.Sleep(10 * time.Millisecond)
	stream.Stop()
	stream.Stop()

	select {
	case err := <-errc:
		if !errors.Is(err, ErrTrackStopped) {
			t.Fatalf("got %v, want ErrTrackStopped", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("read not unblocked by stop")
	}
}

func TestStreamStopCombinesErrors(t *testing.T) {
	boom := errors.New("boom")
	read := func() (image.Image, func(), error) { return nil, nil, nil }
	s := NewStream(
		NewTrack("a", read, func() error { return boom }),
		NewTrack("b", read, nil),
	)

	err := s.Stop()
	if !errors.Is(err, boom) {
		t.Fatalf("expected combined error to contain boom, got %v", err)
	}
	// Second stop returns the recorded result without calling teardown again
	if err := s.Stop(); !errors.Is(err, boom) {
		t.Fatalf("second stop: %v", err)
	}
}

func TestAcquisitionErrors(t *testing.T) {
	src := NewPattern(0, 0, 30, clock.NewMock())
	_, err := src.Acquire(context.Background())

	var acqErr *AcquisitionError
	if !errors.As(err, &acqErr) || acqErr.Reason != NoDevice {
		t.Fatalf("expected NoDevice acquisition error, got %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = NewPattern(10, 10, 30, clock.NewMock()).Acquire(ctx)
	if !errors.As(err, &acqErr) || !errors.Is(err, context.Canceled) {
		t.Fatalf("expected wrapped context error, got %v", err)
	}

	denied := &AcquisitionError{Reason: PermissionDenied}
	if denied.Error() != "failed to get camera stream: permission denied" {
		t.Fatalf("unexpected message %q", denied.Error())
	}
}
