package encodermock

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/driveconv/driveconv/internal/model"
)

// MockEncoder is a testify mock for encoder.Encoder.
type MockEncoder struct {
	mock.Mock
}

func (m *MockEncoder) Probe(ctx context.Context, path string) (model.MediaInfo, error) {
	args := m.Called(ctx, path)
	return args.Get(0).(model.MediaInfo), args.Error(1)
}

func (m *MockEncoder) Encode(ctx context.Context, input, output, logPath string, info model.MediaInfo, onProgress func(percent int)) error {
	args := m.Called(ctx, input, output, logPath, info, onProgress)
	return args.Error(0)
}
