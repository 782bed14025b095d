package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/cassnap-project/cassnap/internal/retry"
	"github.com/cassnap-project/cassnap/pkg/errclass"
)

// ErrNotFound is returned when the gateway reports the path does not exist.
var ErrNotFound = errors.New("remote path not found")

// RemoteException is the error body WebHDFS returns on failures.
type RemoteException struct {
	Exception     string `json:"exception"`
	JavaClassName string `json:"javaClassName"`
	Message       string `json:"message"`
}

func (e *RemoteException) Error() string {
	if e.Message == "" {
		return e.Exception
	}
	return e.Exception + ": " + e.Message
}

// parseRemoteException decodes a RemoteException body, or returns nil.
func parseRemoteException(body []byte) *RemoteException {
	var env struct {
		RemoteException *RemoteException `json:"RemoteException"`
	}
	if err := json.Unmarshal(body, &env); err != nil || env.RemoteException == nil {
		return nil
	}
	return env.RemoteException
}

// statusError maps a non-success response to the error taxonomy:
// 401 is fatal, 404 is ErrNotFound, 5xx is retryable and every other status
// is a permanent rejection.
func statusError(op, path string, status int, body []byte) error {
	detail := http.StatusText(status)
	if re := parseRemoteException(body); re != nil {
		detail = re.Error()
	} else if len(body) > 0 && len(body) < 512 {
		detail = string(body)
	}

	switch {
	case status == http.StatusUnauthorized:
		return errclass.ErrAuthFailed.WithMessagef("%s %s: HTTP 401: %s", op, path, detail)
	case status == http.StatusNotFound:
		return fmt.Errorf("%s %s: %w: %s", op, path, ErrNotFound, detail)
	case status >= 500:
		return errclass.ErrGatewayRejected.WithMessagef("%s %s: HTTP %d: %s", op, path, status, detail)
	default:
		return retry.Permanent(errclass.ErrGatewayRejected.WithMessagef("%s %s: HTTP %d: %s", op, path, status, detail))
	}
}
