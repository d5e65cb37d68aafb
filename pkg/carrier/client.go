package carrier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/edvisortech/voice-bridge/pkg/logger"
	"github.com/edvisortech/voice-bridge/pkg/utils"
)

// Client talks to the carrier's REST API. The bridge uses it to place
// outbound voicebot calls and to fetch call status and recordings.
type Client struct {
	subdomain  string
	accountSID string
	apiKey     string
	apiToken   string
	httpClient *http.Client
}

// normalizeSubdomain removes .exotel.com if already present in subdomain
func normalizeSubdomain(subdomain string) string {
	if strings.Contains(subdomain, ".exotel.com") {
		return strings.ReplaceAll(subdomain, ".exotel.com", "")
	}
	return subdomain
}

func NewClient(subdomain, accountSID, apiKey, apiToken string) *Client {
	return &Client{
		subdomain:  normalizeSubdomain(subdomain),
		accountSID: accountSID,
		apiKey:     apiKey,
		apiToken:   apiToken,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

type ConnectCallRequest struct {
	To          string // customer number in E.164
	CallerID    string // virtual exophone
	CallbackURL string
	AppletID    string // voicebot applet routed to the bridge WS endpoint
}

type ConnectCallResponse struct {
	Call struct {
		Sid       string `json:"Sid"`
		Status    string `json:"Status"`
		Direction string `json:"Direction"`
	} `json:"Call"`
}

// ConnectCall places an outbound call through the voicebot applet.
// The exophone dials the customer; the applet connects the answered leg
// to the bridge WebSocket endpoint.
func (c *Client) ConnectCall(ctx context.Context, req ConnectCallRequest) (*ConnectCallResponse, error) {
	endpoint := fmt.Sprintf("https://%s.exotel.com/v1/Accounts/%s/Calls/connect.json",
		c.subdomain, c.accountSID)

	data := url.Values{}
	data.Set("From", req.CallerID)
	data.Set("To", req.To)
	data.Set("CallerId", req.CallerID)
	data.Set("CallType", "trans")
	if req.To != "" {
		// The applet can drop the To parameter, so carry the target in
		// UserData as well.
		data.Set("UserData", fmt.Sprintf(`{"target_number":"%s"}`, req.To))
	}
	if req.CallbackURL != "" {
		data.Set("StatusCallback", req.CallbackURL)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewBufferString(data.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.SetBasicAuth(c.apiKey, c.apiToken)
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	logger.Log.Info("placing outbound call",
		zap.String("to", utils.MaskPhoneNumber(req.To)),
		zap.String("caller_id", req.CallerID),
		zap.String("applet_id", req.AppletID))

	body, err := c.do(httpReq)
	if err != nil {
		return nil, err
	}

	var result ConnectCallResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	return &result, nil
}

type CallStatusResponse struct {
	Call struct {
		Sid          string `json:"Sid"`
		Status       string `json:"Status"`
		Direction    string `json:"Direction"`
		From         string `json:"From"`
		To           string `json:"To"`
		StartTime    string `json:"StartTime"`
		EndTime      string `json:"EndTime"`
		Duration     string `json:"Duration"`
		RecordingURL string `json:"RecordingUrl"`
	} `json:"Call"`
}

// GetCallStatus fetches the carrier's view of a call by SID.
func (c *Client) GetCallStatus(ctx context.Context, callSID string) (*CallStatusResponse, error) {
	endpoint := fmt.Sprintf("https://%s.exotel.com/v1/Accounts/%s/Calls/%s.json",
		c.subdomain, c.accountSID, callSID)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.SetBasicAuth(c.apiKey, c.apiToken)

	body, err := c.do(httpReq)
	if err != nil {
		return nil, err
	}

	var result CallStatusResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	return &result, nil
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("carrier API error: %s (status %d)", string(body), resp.StatusCode)
	}

	return body, nil
}
