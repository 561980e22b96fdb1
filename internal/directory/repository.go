// directory repository encapsulates the outbound calls to the Directory Service,
// Trophonius's system of record for identity and connect/disconnect bookkeeping.

package directory

import (
	"Trophonius/internal/entity"
	"Trophonius/internal/errors"
	"Trophonius/pkg/log"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

type Repository interface {
	// Authenticate asks the Directory Service to validate a device's opaque token.
	// Returns the recipient identity the token belongs to.
	// Directory rejections surface as bad-request, transport failures as
	// internal-error; either way authentication fails closed.
	Authenticate(ctx context.Context, logger log.Logger, token string) (string, error)
	// ReportConnect tells the Directory Service a device came online. Best-effort.
	ReportConnect(ctx context.Context, logger log.Logger, userID, deviceID string) error
	// ReportDisconnect tells the Directory Service a device went offline. Best-effort.
	ReportDisconnect(ctx context.Context, logger log.Logger, userID, deviceID string) error
	// RecordDispatch hands a fan-out request over for durable bookkeeping.
	// The store flag is forwarded opaquely, the Directory Service decides
	// whether the notification gets persisted for offline devices. Best-effort.
	RecordDispatch(ctx context.Context, logger log.Logger, req entity.FanoutRequest) error
}

// repository struct of directory Repository.
// Object of this will be passed around from main to internal.
// Helps to access the repository layer interface and call methods.
type repository struct {
	baseURL string
	client  *http.Client
}

// Returns a new instance of directory repository for other packages to access its interface.
func NewRepository(baseURL string, timeout time.Duration) Repository {
	return repository{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

// Shape of every reply coming back from the Directory Service.
type directoryResponse struct {
	Success bool   `json:"success"`
	ID      string `json:"_id,omitempty"`
	Error   string `json:"error,omitempty"`
}

func (r repository) Authenticate(ctx context.Context, logger log.Logger, token string) (string, error) {
	req, reqerr := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+"/self", nil)
	if reqerr != nil {
		logger.WithCtx(ctx).Error().Err(reqerr).Msg("Error occured during building /self request in directory.Authenticate")
		return "", errors.InternalServerError("")
	}
	req.Header.Set("Authorization", "Bearer "+token)

	res, httperr := r.client.Do(req)
	if httperr != nil {
		// Directory unreachable, device auth fails closed rather than open
		logger.WithCtx(ctx).Error().Err(httperr).Msg("Directory Service unreachable in directory.Authenticate")
		return "", errors.InternalServerError("")
	}
	defer res.Body.Close()

	var body directoryResponse
	if decerr := json.NewDecoder(res.Body).Decode(&body); decerr != nil {
		logger.WithCtx(ctx).Error().Err(decerr).Msg("Error occured during decoding /self response in directory.Authenticate")
		return "", errors.InternalServerError("")
	}
	if res.StatusCode >= http.StatusInternalServerError {
		logger.WithCtx(ctx).Error().Msgf("Directory Service replied %d to /self", res.StatusCode)
		return "", errors.InternalServerError("")
	}
	// The Directory Service distinguishes rejected tokens from unknown users.
	if res.StatusCode == http.StatusForbidden {
		return "", errors.Forbidden(fmt.Sprintf("Directory error: %s", body.Error))
	}
	if res.StatusCode == http.StatusNotFound {
		return "", errors.NotFound(fmt.Sprintf("Directory error: %s", body.Error))
	}
	if res.StatusCode != http.StatusOK || !body.Success || len(body.ID) == 0 {
		return "", errors.BadRequest(fmt.Sprintf("Directory error: %s", body.Error))
	}
	return body.ID, nil
}

func (r repository) ReportConnect(ctx context.Context, logger log.Logger, userID, deviceID string) error {
	return r.post(ctx, logger, "/user/connect", map[string]interface{}{
		"user_id":   userID,
		"device_id": deviceID,
	})
}

func (r repository) ReportDisconnect(ctx context.Context, logger log.Logger, userID, deviceID string) error {
	return r.post(ctx, logger, "/user/disconnect", map[string]interface{}{
		"user_id":   userID,
		"device_id": deviceID,
	})
}

func (r repository) RecordDispatch(ctx context.Context, logger log.Logger, req entity.FanoutRequest) error {
	var payload json.RawMessage
	if len(req.Payload) != 0 {
		payload = json.RawMessage(req.Payload)
	}
	return r.post(ctx, logger, "/notification/record", map[string]interface{}{
		"to":         req.To,
		"device_ids": req.DeviceIDs,
		"store":      req.Store,
		"payload":    payload,
	})
}

// Helper which POSTs a JSON body to the Directory Service and maps non-2xx replies to errors.
func (r repository) post(ctx context.Context, logger log.Logger, path string, body map[string]interface{}) error {
	raw, marsherr := json.Marshal(body)
	if marsherr != nil {
		logger.WithCtx(ctx).Error().Err(marsherr).Msgf("Error occured during marshalling %s request in directory repository", path)
		return errors.InternalServerError("")
	}

	req, reqerr := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+path, bytes.NewReader(raw))
	if reqerr != nil {
		logger.WithCtx(ctx).Error().Err(reqerr).Msgf("Error occured during building %s request in directory repository", path)
		return errors.InternalServerError("")
	}
	req.Header.Set("Content-Type", "application/json")

	res, httperr := r.client.Do(req)
	if httperr != nil {
		logger.WithCtx(ctx).Error().Err(httperr).Msgf("Directory Service unreachable during %s", path)
		return errors.InternalServerError("")
	}
	defer res.Body.Close()

	if res.StatusCode >= http.StatusBadRequest {
		logger.WithCtx(ctx).Error().Msgf("Directory Service replied %d to %s", res.StatusCode, path)
		return errors.InternalServerError("")
	}
	return nil
}
