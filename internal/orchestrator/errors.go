package orchestrator

import "errors"

var (
	// ErrPipelineStartFailed is returned when the encoder dies or produces no
	// output during the start grace interval.
	ErrPipelineStartFailed = errors.New("pipeline start failed")

	// ErrResourceExhausted is returned when the admission gate refuses new work.
	ErrResourceExhausted = errors.New("insufficient system resources")

	// ErrProcessSupervision marks running pipelines torn down by the monitor
	// after a fatal diagnostic, stalled output or an unexpected exit.
	ErrProcessSupervision = errors.New("process supervision failure")

	// ErrThumbnailFailed is returned when a recording thumbnail cannot be rendered.
	ErrThumbnailFailed = errors.New("thumbnail generation failed")

	ErrAlreadyRegistered = errors.New("camera already has a pipeline")
	ErrHandleClosed      = errors.New("pipeline already torn down")
)
