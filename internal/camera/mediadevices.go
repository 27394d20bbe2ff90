package camera

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/pion/mediadevices"
	mediadevicescamera "github.com/pion/mediadevices/pkg/driver/camera"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"go.uber.org/multierr"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/live-detect/internal/logger"
)

// MediaDevices acquires a real camera through pion/mediadevices
type MediaDevices struct {
	Width  int
	Height int
	FPS    int
	Label  string // Device label prefix, empty = any camera

	log *logger.ModuleLogger
}

// NewMediaDevices creates a source for a local camera
func NewMediaDevices(width, height, fps int, label string) *MediaDevices {
	return &MediaDevices{
		Width:  width,
		Height: height,
		FPS:    fps,
		Label:  label,
		log:    logger.For("Camera"),
	}
}

func (m *MediaDevices) constraints(deviceID string) mediadevices.MediaStreamConstraints {
	return mediadevices.MediaStreamConstraints{
		Video: func(c *mediadevices.MediaTrackConstraints) {
			if deviceID != "" {
				c.DeviceID = prop.StringExact(deviceID)
			}
			if m.Width > 0 {
				c.Width = prop.Int(m.Width)
			}
			if m.Height > 0 {
				c.Height = prop.Int(m.Height)
			}
			if m.FPS > 0 {
				c.FrameRate = prop.Float(float32(m.FPS))
			}
			c.FrameFormat = prop.FrameFormatOneOf{
				frame.FormatI420,
				frame.FormatYUY2,
				frame.FormatNV12,
				frame.FormatMJPEG,
				frame.FormatRGBA,
			}
		},
	}
}

// findDevice returns the id of the camera to open, or "" for any
func (m *MediaDevices) findDevice() (string, error) {
	var found []mediadevices.MediaDeviceInfo
	for _, d := range mediadevices.EnumerateDevices() {
		if d.Kind == mediadevices.VideoInput {
			found = append(found, d)
		}
	}
	if len(found) == 0 {
		return "", &AcquisitionError{Reason: NoDevice}
	}
	if m.Label == "" {
		return "", nil
	}
	for _, d := range found {
		if strings.HasPrefix(d.Label, m.Label) {
			return d.DeviceID, nil
		}
	}
	return "", &AcquisitionError{Reason: NoDevice, Err: fmt.Errorf("no camera labelled %q", m.Label)}
}

// Acquire opens the camera. Opening runs on its own goroutine so ctx
// cancellation is honoured while the driver initializes.
func (m *MediaDevices) Acquire(ctx context.Context) (*Stream, error) {
	type result struct {
		stream mediadevices.MediaStream
		err    error
	}

	mediadevicescamera.Initialize()
	deviceID, err := m.findDevice()
	if err != nil {
		return nil, err
	}

	done := make(chan result, 1)
	go func() {
		s, err := mediadevices.GetUserMedia(m.constraints(deviceID))
		done <- result{s, err}
	}()

	var res result
	select {
	case <-ctx.Done():
		// Close whatever the driver eventually hands back
		go func() {
			if r := <-done; r.err == nil {
				closeAll(r.stream)
			}
		}()
		return nil, &AcquisitionError{Reason: Unavailable, Err: ctx.Err()}
	case res = <-done:
	}

	if res.err != nil {
		reason := Unavailable
		if errors.Is(res.err, os.ErrPermission) {
			reason = PermissionDenied
		}
		return nil, &AcquisitionError{Reason: reason, Err: res.err}
	}

	var tracks []*Track
	for _, t := range res.stream.GetVideoTracks() {
		vt, ok := t.(*mediadevices.VideoTrack)
		if !ok {
			continue
		}
		reader := vt.NewReader(true)
		tracks = append(tracks, NewTrack(vt.ID(), ReadFunc(reader.Read), vt.Close))
	}
	if len(tracks) == 0 {
		closeAll(res.stream)
		return nil, &AcquisitionError{Reason: NoDevice, Err: errors.New("stream has no video tracks")}
	}

	m.log.Infof("Camera opened: %d track(s), requested %dx%d@%d", len(tracks), m.Width, m.Height, m.FPS)
	return NewStream(tracks...), nil
}

func closeAll(s mediadevices.MediaStream) error {
	var err error
	for _, t := range s.GetTracks() {
		err = multierr.Append(err, t.Close())
	}
	return err
}
