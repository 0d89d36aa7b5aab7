package workflow

import (
	"errors"
	"fmt"

	"github.com/example/rice-vision/internal/inference"
)

// Level classifies a user-visible notification.
type Level string

const (
	LevelSuccess Level = "success"
	LevelError   Level = "error"
	LevelWarning Level = "warning"
)

// Notification is a transient user-visible message emitted by a transition.
type Notification struct {
	Level   Level  `json:"level"`
	Message string `json:"message"`
}

func analysisSucceededNotification() Notification {
	return Notification{Level: LevelSuccess, Message: "Analysis completed successfully!"}
}

// analysisFailedNotification selects the user-facing message by failure
// kind. Timeout, rejection, and unreachable each read differently from the
// generic case so the user knows what to do next.
func analysisFailedNotification(err error) Notification {
	switch {
	case errors.Is(err, inference.ErrTimeout):
		return Notification{Level: LevelError, Message: "Request timed out. Please try again."}
	case errors.Is(err, inference.ErrUnreachable):
		return Notification{Level: LevelError, Message: "Could not connect to the classification service. Please check if it's running."}
	}

	var rejected *inference.ServerRejectedError
	if errors.As(err, &rejected) {
		message := rejected.Message
		if message == "" {
			message = "Unknown error"
		}
		return Notification{Level: LevelError, Message: fmt.Sprintf("Server error: %s", message)}
	}

	return Notification{Level: LevelError, Message: "Error analyzing the image. Please try again."}
}

func incompleteReportNotification() Notification {
	return Notification{Level: LevelWarning, Message: "Cannot generate report: classification data is incomplete"}
}
