package emergency

import (
	"context"
	"errors"

	"carelink-realtime/pkg/models"
)

var (
	ErrCaptureUnavailable  = errors.New("audio capture unavailable")
	ErrLocationUnavailable = errors.New("location unavailable")
)

// Recorder acquires an audio capture. Start may block until the device is
// ready and should honour ctx.
type Recorder interface {
	Start(ctx context.Context) (Capture, error)
}

// Capture is an acquired audio device. Release is called exactly once, after
// Stop when audio is collected.
type Capture interface {
	Stop(ctx context.Context) ([]byte, error)
	Release()
}

type LocationProvider interface {
	Locate(ctx context.Context) (models.GeoPoint, error)
}

// NoRecorder is used on hosts without an audio device.
type NoRecorder struct{}

func (NoRecorder) Start(context.Context) (Capture, error) {
	return nil, ErrCaptureUnavailable
}

// FixedLocation reports a configured position. A nil value reports no fix.
type FixedLocation struct {
	Point *models.GeoPoint
}

func (f FixedLocation) Locate(ctx context.Context) (models.GeoPoint, error) {
	if err := ctx.Err(); err != nil {
		return models.GeoPoint{}, err
	}
	if f.Point == nil {
		return models.GeoPoint{}, ErrLocationUnavailable
	}
	return *f.Point, nil
}
