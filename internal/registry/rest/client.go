// Package rest is a REST-style table-client implementation of the device
// registry port, mirroring Supabase's .table(...).select/.upsert shape:
// each operation is one HTTP call against a PostgREST-compatible endpoint,
// rather than a driver connection. This is the second backend shape
// observed in the source alongside the direct SQL connection (sinkpg).
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/fleetpulse/telemetry-server/internal/registry"
	"github.com/fleetpulse/telemetry-server/internal/telemetry"
	"github.com/google/uuid"
)

// Client talks to a PostgREST-style table endpoint: BaseURL + "/devices"
// and BaseURL + "/rpc/assign_short_device_id", with an API key header the
// way Supabase clients authenticate. It implements only the registry port;
// it does not write telemetry.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

func New(baseURL, apiKey string) *Client {
	return &Client{BaseURL: baseURL, APIKey: apiKey, HTTPClient: &http.Client{Timeout: 10 * time.Second}}
}

type deviceRow struct {
	ID              string `json:"id,omitempty"`
	DeviceID        string `json:"device_id"`
	IMEI            string `json:"imei,omitempty"`
	ShortDeviceID   *int   `json:"short_device_id,omitempty"`
	Protocol        string `json:"protocol,omitempty"`
	FirmwareVersion string `json:"firmware_version,omitempty"`
	SIMICCID        string `json:"sim_iccid,omitempty"`
	IsActive        bool   `json:"is_active"`
	LastSeen        string `json:"last_seen,omitempty"`
	CreatedAt       string `json:"created_at,omitempty"`
}

func (r deviceRow) toDevice() *telemetry.Device {
	dev := &telemetry.Device{
		ID:              r.ID,
		DeviceID:        r.DeviceID,
		IMEI:            r.IMEI,
		ShortDeviceID:   r.ShortDeviceID,
		Protocol:        telemetry.Protocol(r.Protocol),
		FirmwareVersion: r.FirmwareVersion,
		SIMICCID:        r.SIMICCID,
		IsActive:        r.IsActive,
	}
	if t, err := time.Parse(time.RFC3339, r.LastSeen); err == nil {
		dev.LastSeen = t
	}
	if t, err := time.Parse(time.RFC3339, r.CreatedAt); err == nil {
		dev.CreatedAt = t
	}
	return dev
}

func fromDevice(d *telemetry.Device) deviceRow {
	id := d.ID
	if id == "" {
		id = uuid.NewString()
	}
	return deviceRow{
		ID:              id,
		DeviceID:        d.DeviceID,
		IMEI:            d.IMEI,
		ShortDeviceID:   d.ShortDeviceID,
		Protocol:        string(d.Protocol),
		FirmwareVersion: d.FirmwareVersion,
		SIMICCID:        d.SIMICCID,
		IsActive:        true,
		LastSeen:        time.Now().UTC().Format(time.RFC3339),
	}
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body interface{}) ([]byte, error) {
	var reader *bytes.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("rest: marshal request: %w", err)
		}
		reader = bytes.NewReader(buf)
	} else {
		reader = bytes.NewReader(nil)
	}
	u := c.BaseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return nil, fmt.Errorf("rest: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("apikey", c.APIKey)
	req.Header.Set("Authorization", "Bearer "+c.APIKey)
	if method == http.MethodPost {
		req.Header.Set("Prefer", "resolution=merge-duplicates,return=representation")
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("rest: do request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("rest: unexpected status %d for %s %s", resp.StatusCode, method, path)
	}
	var out bytes.Buffer
	if _, err := out.ReadFrom(resp.Body); err != nil {
		return nil, fmt.Errorf("rest: read response: %w", err)
	}
	return out.Bytes(), nil
}

func (c *Client) GetDevice(ctx context.Context, deviceID string) (*telemetry.Device, error) {
	return c.getDeviceBy(ctx, "device_id", deviceID)
}

func (c *Client) GetDeviceByIMEI(ctx context.Context, imei string) (*telemetry.Device, error) {
	return c.getDeviceBy(ctx, "imei", imei)
}

func (c *Client) getDeviceBy(ctx context.Context, column, value string) (*telemetry.Device, error) {
	q := url.Values{column: {"eq." + value}, "select": {"*"}}
	body, err := c.do(ctx, http.MethodGet, "/devices", q, nil)
	if err != nil {
		return nil, err
	}
	var rows []deviceRow
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("rest: decode devices: %w", err)
	}
	if len(rows) == 0 {
		return nil, registry.ErrNotFound
	}
	return rows[0].toDevice(), nil
}

// UpsertDevice posts with Prefer: resolution=merge-duplicates keyed by the
// device_id unique constraint, the REST analogue of
// .table("devices").upsert(device_data, on_conflict="device_id").
func (c *Client) UpsertDevice(ctx context.Context, dev *telemetry.Device) error {
	row := fromDevice(dev)
	_, err := c.do(ctx, http.MethodPost, "/devices", url.Values{"on_conflict": {"device_id"}}, row)
	return err
}

func (c *Client) UpdateDeviceByUUID(ctx context.Context, uuidStr string, dev *telemetry.Device) error {
	row := fromDevice(dev)
	row.ID = uuidStr
	_, err := c.do(ctx, http.MethodPatch, "/devices", url.Values{"id": {"eq." + uuidStr}}, row)
	return err
}

func (c *Client) UpdateLastSeen(ctx context.Context, deviceID string) error {
	payload := map[string]string{"last_seen": time.Now().UTC().Format(time.RFC3339)}
	_, err := c.do(ctx, http.MethodPatch, "/devices", url.Values{"device_id": {"eq." + deviceID}}, payload)
	return err
}

// AssignShortDeviceID is best-effort over REST: a PostgREST function call
// is the correct linearizable primitive (an RPC endpoint wrapping the same
// SELECT...FOR UPDATE this repo's sinkpg backend runs natively); plain
// table reads/writes over HTTP cannot express that transaction, so this
// backend delegates to an `rpc/assign_short_device_id` endpoint the
// external store exposes.
func (c *Client) AssignShortDeviceID(ctx context.Context, imei string, proto telemetry.Protocol) (int, error) {
	payload := map[string]string{"p_imei": imei, "p_protocol": string(proto)}
	body, err := c.do(ctx, http.MethodPost, "/rpc/assign_short_device_id", nil, payload)
	if err != nil {
		return 0, err
	}
	var result int
	if err := json.Unmarshal(body, &result); err != nil {
		return 0, fmt.Errorf("rest: decode assign_short_device_id result: %w", err)
	}
	return result, nil
}
