package commvault

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

const (
	DefaultTimeout           = 60 * time.Second
	DefaultRequestsPerSecond = 5

	postgresAgent     = "PostgreSQL"
	fsBasedBackupSet  = "FSBasedBackupSet"
	defaultSubclient  = "default"
	pointInTimeLayout = "2006-01-02 15:04:05"
)

// ErrClientNotFound is returned when the Commcell has no PostgreSQL default
// subclient registered for the requested client name.
var ErrClientNotFound = errors.New("commvault client not found")

// JobClient starts Commvault tasks and reports their progress.
type JobClient interface {
	CreateBackupTask(ctx context.Context, clientName string) (string, error)
	CreateRestoreTask(ctx context.Context, clientName, pointInTime string) (string, error)
	// GetJobStatus never fails; lookup problems are reported as StatusUnknown.
	GetJobStatus(ctx context.Context, jobID string) JobStatus
}

type Options struct {
	BaseURL           string
	Username          string
	Password          string
	Insecure          bool
	Timeout           time.Duration
	RequestsPerSecond float64
	HTTPClient        *http.Client
}

// Client talks to the Commvault web console REST API.
type Client struct {
	baseURL    string
	username   string
	password   string
	httpClient *http.Client
	timeout    time.Duration
	limiter    *rate.Limiter
	logger     *zap.SugaredLogger

	login singleflight.Group
	mu    sync.RWMutex
	token string
}

var _ JobClient = &Client{}

func NewClient(opts Options, logger *zap.SugaredLogger) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	rps := opts.RequestsPerSecond
	if rps <= 0 {
		rps = DefaultRequestsPerSecond
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		if opts.Insecure {
			transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} // #nosec G402
		}
		httpClient = &http.Client{Timeout: timeout, Transport: transport}
	}

	return &Client{
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		username:   opts.Username,
		password:   opts.Password,
		httpClient: httpClient,
		timeout:    timeout,
		limiter:    rate.NewLimiter(rate.Limit(rps), 1),
		logger:     logger.Named("[Commvault]"),
	}
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token   string     `json:"token"`
	ErrList []apiError `json:"errList"`
}

type apiError struct {
	ErrorCode     int    `json:"errorCode"`
	ErrLogMessage string `json:"errLogMessage"`
}

type subclientEntity struct {
	SubclientID   int    `json:"subclientId"`
	SubclientName string `json:"subclientName"`
	ClientName    string `json:"clientName"`
	InstanceName  string `json:"instanceName"`
	BackupsetName string `json:"backupsetName"`
	AppName       string `json:"appName"`
}

type subclientResponse struct {
	SubClientProperties []struct {
		SubClientEntity subclientEntity `json:"subClientEntity"`
	} `json:"subClientProperties"`
}

type jobIDsResponse struct {
	JobIDs       []string `json:"jobIds"`
	ErrorCode    int      `json:"errorCode"`
	ErrorMessage string   `json:"errorMessage"`
}

type jobResponse struct {
	Jobs []struct {
		JobSummary struct {
			Status string `json:"status"`
		} `json:"jobSummary"`
	} `json:"jobs"`
}

// CreateBackupTask starts a full backup of the client's default PostgreSQL subclient.
func (c *Client) CreateBackupTask(ctx context.Context, clientName string) (string, error) {
	subclient, err := c.resolveSubclient(ctx, clientName)
	if err != nil {
		return "", fmt.Errorf("failed to resolve subclient for %q: %w", clientName, err)
	}

	c.logger.Infow("Starting full backup", "client", clientName, "subclient", subclient.SubclientID)
	path := fmt.Sprintf("/Subclient/%d/action/backup?backupLevel=Full", subclient.SubclientID)
	out := jobIDsResponse{}
	if err := c.do(ctx, http.MethodPost, path, nil, &out); err != nil {
		return "", fmt.Errorf("failed to start backup for %q: %w", clientName, err)
	}
	return firstJobID(out, clientName)
}

// CreateRestoreTask restores the client's PostgreSQL instance in place. pointInTime
// is a unix timestamp; empty restores the latest backup.
func (c *Client) CreateRestoreTask(ctx context.Context, clientName, pointInTime string) (string, error) {
	restoreTime, err := FormatPointInTime(pointInTime)
	if err != nil {
		return "", err
	}

	subclient, err := c.resolveSubclient(ctx, clientName)
	if err != nil {
		return "", fmt.Errorf("failed to resolve instance for %q: %w", clientName, err)
	}

	c.logger.Infow("Starting restore", "client", clientName, "instance", subclient.InstanceName, "pointInTime", restoreTime)
	out := jobIDsResponse{}
	if err := c.do(ctx, http.MethodPost, "/CreateTask", restoreTaskRequest(subclient, clientName, restoreTime), &out); err != nil {
		return "", fmt.Errorf("failed to start restore for %q: %w", clientName, err)
	}
	return firstJobID(out, clientName)
}

// GetJobStatus returns the job summary status, or StatusUnknown on any failure.
func (c *Client) GetJobStatus(ctx context.Context, jobID string) JobStatus {
	out := jobResponse{}
	err := c.retryTransient(ctx, func() error {
		return c.do(ctx, http.MethodGet, "/Job/"+url.PathEscape(jobID), nil, &out)
	})
	if err != nil {
		c.logger.Errorw("Failed to get job status", "jobId", jobID, "error", err)
		return StatusUnknown
	}
	if len(out.Jobs) == 0 {
		c.logger.Warnw("Job not found", "jobId", jobID)
		return StatusUnknown
	}
	return NewJobStatus(out.Jobs[0].JobSummary.Status)
}

// FormatPointInTime converts a unix timestamp into the Commvault time format (UTC).
func FormatPointInTime(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", nil
	}
	seconds, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return "", fmt.Errorf("invalid restore point in time %q: %w", raw, err)
	}
	return time.Unix(seconds, 0).UTC().Format(pointInTimeLayout), nil
}

func (c *Client) resolveSubclient(ctx context.Context, clientName string) (subclientEntity, error) {
	out := subclientResponse{}
	err := c.retryTransient(ctx, func() error {
		return c.do(ctx, http.MethodGet, "/Subclient?clientName="+url.QueryEscape(clientName), nil, &out)
	})
	if err != nil {
		return subclientEntity{}, err
	}

	for _, prop := range out.SubClientProperties {
		entity := prop.SubClientEntity
		if strings.EqualFold(entity.AppName, postgresAgent) &&
			entity.BackupsetName == fsBasedBackupSet &&
			entity.SubclientName == defaultSubclient {
			if entity.ClientName == "" {
				entity.ClientName = clientName
			}
			return entity, nil
		}
	}
	return subclientEntity{}, fmt.Errorf("%w: %s has no %s/%s subclient", ErrClientNotFound, clientName, fsBasedBackupSet, defaultSubclient)
}

func restoreTaskRequest(subclient subclientEntity, clientName, restoreTime string) map[string]any {
	browse := map[string]any{
		"backupset": map[string]any{
			"clientName":    clientName,
			"backupsetName": fsBasedBackupSet,
		},
	}
	if restoreTime != "" {
		browse["timeRange"] = map[string]any{
			"fromTimeValue": restoreTime,
			"toTimeValue":   restoreTime,
		}
	}

	return map[string]any{
		"taskInfo": map[string]any{
			"associations": []map[string]any{{
				"clientName":    clientName,
				"appName":       postgresAgent,
				"instanceName":  subclient.InstanceName,
				"backupsetName": fsBasedBackupSet,
				"subclientName": defaultSubclient,
			}},
			"task": map[string]any{"taskType": 1, "initiatedFrom": 2},
			"subTasks": []map[string]any{{
				"subTask": map[string]any{"subTaskType": 3, "operationType": 1001},
				"options": map[string]any{
					"restoreOptions": map[string]any{
						"browseOption": browse,
						"destination": map[string]any{
							"destClient": map[string]any{"clientName": clientName},
							"destinationInstance": map[string]any{
								"clientName":   clientName,
								"appName":      postgresAgent,
								"instanceName": subclient.InstanceName,
							},
							"noOfStreams": 2,
						},
						"fileOption": map[string]any{"sourceItem": []string{"/data"}},
						"postgresRstOption": map[string]any{
							"fsBackupSetRestore": true,
							"pointInTime":        restoreTime != "",
						},
					},
				},
			}},
		},
	}
}

func firstJobID(out jobIDsResponse, clientName string) (string, error) {
	if len(out.JobIDs) == 0 || out.JobIDs[0] == "" {
		if out.ErrorMessage != "" {
			return "", fmt.Errorf("no job started for %q: %s (code %d)", clientName, out.ErrorMessage, out.ErrorCode)
		}
		return "", fmt.Errorf("no job started for %q: response was empty", clientName)
	}
	return out.JobIDs[0], nil
}

// statusError carries the HTTP status of a failed call.
type statusError struct {
	Code int
	Body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("commvault api returned %d: %s", e.Code, e.Body)
}

// retryTransient retries idempotent calls on server side failures.
func (c *Client) retryTransient(ctx context.Context, operation func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = 20 * time.Second

	return backoff.Retry(func() error {
		err := operation()
		var se *statusError
		if err != nil && errors.As(err, &se) && se.Code >= http.StatusInternalServerError {
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}, backoff.WithContext(b, ctx))
}

// do performs an authenticated JSON call, logging in again once on 401.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	token, err := c.authToken(ctx)
	if err != nil {
		return err
	}

	err = c.call(ctx, method, path, token, body, out)
	var se *statusError
	if errors.As(err, &se) && se.Code == http.StatusUnauthorized {
		c.invalidate(token)
		if token, err = c.authToken(ctx); err != nil {
			return err
		}
		err = c.call(ctx, method, path, token, body, out)
	}
	return err
}

func (c *Client) call(ctx context.Context, method, path, token string, body, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authtoken", token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return &statusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response of %s %s: %w", method, path, err)
	}
	return nil
}

// authToken returns the cached token or logs in. Concurrent callers share one login.
func (c *Client) authToken(ctx context.Context) (string, error) {
	c.mu.RLock()
	token := c.token
	c.mu.RUnlock()
	if token != "" {
		return token, nil
	}

	v, err, _ := c.login.Do("login", func() (interface{}, error) {
		// The login is shared, so it must not fail when the first caller goes away.
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
		defer cancel()

		out := loginResponse{}
		req := loginRequest{
			Username: c.username,
			Password: base64.StdEncoding.EncodeToString([]byte(c.password)),
		}
		if err := c.call(ctx, http.MethodPost, "/Login", "", req, &out); err != nil {
			return "", fmt.Errorf("login failed: %w", err)
		}
		if out.Token == "" {
			msg := "empty token"
			if len(out.ErrList) > 0 {
				msg = out.ErrList[0].ErrLogMessage
			}
			return "", fmt.Errorf("login failed: %s", msg)
		}

		c.mu.Lock()
		c.token = out.Token
		c.mu.Unlock()
		c.logger.Debugw("Logged in to Commcell", "user", c.username)
		return out.Token, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (c *Client) invalidate(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token == token {
		c.token = ""
	}
}
