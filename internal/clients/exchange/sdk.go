package exchange

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	rateLimitDelay   = 200 * time.Millisecond
	requestQueueSize = 100
	sandboxHeader    = "X-Simulated-Trading"
)

// requestJob is one signed REST call waiting for its turn on the worker.
type requestJob struct {
	method   string
	path     string
	body     interface{}
	resultCh chan requestResult
}

type requestResult struct {
	data map[string]interface{}
	err  error
}

// sdk is the HMAC-signed, rate-limited REST transport underlying Client.
// Grounded on internal/clients/tradernet/sdk/client.go: every request is
// queued to a single worker goroutine that enforces a minimum spacing
// between calls, rather than relying on per-call sleeps that would race
// across goroutines.
type sdk struct {
	apiKey     string
	secret     string
	passphrase string
	sandbox    bool
	baseURL    string
	httpClient *http.Client
	log        zerolog.Logger

	requestQueue chan requestJob
	stopChan     chan struct{}
	workerDone   chan struct{}
	once         sync.Once
}

func newSDK(baseURL, apiKey, secret, passphrase string, sandbox bool, log zerolog.Logger) *sdk {
	s := &sdk{
		apiKey:       apiKey,
		secret:       secret,
		passphrase:   passphrase,
		sandbox:      sandbox,
		baseURL:      baseURL,
		httpClient:   &http.Client{Timeout: 30 * time.Second},
		log:          log.With().Str("component", "exchange-sdk").Logger(),
		requestQueue: make(chan requestJob, requestQueueSize),
		stopChan:     make(chan struct{}),
		workerDone:   make(chan struct{}),
	}
	go s.worker()
	return s
}

// do queues a signed request and blocks for its result.
func (s *sdk) do(method, path string, body interface{}) (map[string]interface{}, error) {
	resultCh := make(chan requestResult, 1)
	job := requestJob{method: method, path: path, body: body, resultCh: resultCh}

	select {
	case s.requestQueue <- job:
	case <-s.stopChan:
		return nil, fmt.Errorf("exchange client is closed")
	default:
		return nil, fmt.Errorf("exchange request queue is full")
	}

	result := <-resultCh
	return result.data, result.err
}

func (s *sdk) worker() {
	defer close(s.workerDone)

	var lastRequestTime time.Time
	first := true

	process := func(job requestJob) {
		if !first {
			if elapsed := time.Since(lastRequestTime); elapsed < rateLimitDelay {
				time.Sleep(rateLimitDelay - elapsed)
			}
		}
		first = false

		var result requestResult
		result.data, result.err = s.doInternal(job.method, job.path, job.body)
		lastRequestTime = time.Now()
		job.resultCh <- result
	}

	for {
		select {
		case <-s.stopChan:
			for {
				select {
				case job, ok := <-s.requestQueue:
					if !ok {
						return
					}
					process(job)
				default:
					return
				}
			}
		case job, ok := <-s.requestQueue:
			if !ok {
				return
			}
			process(job)
		}
	}
}

func (s *sdk) close() {
	s.once.Do(func() {
		close(s.stopChan)
		close(s.requestQueue)
		<-s.workerDone
	})
}

func (s *sdk) doInternal(method, path string, body interface{}) (map[string]interface{}, error) {
	var payload []byte
	var err error
	if body != nil {
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request body: %w", err)
		}
	}

	timestamp := time.Now().UTC().Format(time.RFC3339)
	prehash := timestamp + method + path + string(payload)
	signature := s.sign(prehash)

	req, err := http.NewRequest(method, s.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("OK-ACCESS-KEY", s.apiKey)
	req.Header.Set("OK-ACCESS-SIGN", signature)
	req.Header.Set("OK-ACCESS-TIMESTAMP", timestamp)
	req.Header.Set("OK-ACCESS-PASSPHRASE", s.passphrase)
	if s.sandbox {
		req.Header.Set(sandboxHeader, "1")
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("exchange request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read exchange response: %w", err)
	}

	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("exchange returned status %d: %s", resp.StatusCode, truncate(respBody))
	}

	var result map[string]interface{}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("failed to parse exchange response: %w (body: %s)", err, truncate(respBody))
	}

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("exchange rejected request (status %d): %s", resp.StatusCode, truncate(respBody))
	}

	if code, ok := result["code"].(string); ok && code != "" && code != "0" {
		msg, _ := result["msg"].(string)
		s.log.Warn().Str("code", code).Str("msg", msg).Str("path", path).Msg("exchange returned a business error code")
	}

	return result, nil
}

func (s *sdk) sign(prehash string) string {
	mac := hmac.New(sha256.New, []byte(s.secret))
	mac.Write([]byte(prehash))
	return hex.EncodeToString(mac.Sum(nil))
}

func truncate(body []byte) string {
	s := string(body)
	if len(s) > 500 {
		return s[:500] + "..."
	}
	return s
}
