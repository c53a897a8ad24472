// Package rest reaches the hub's membership table and room directory over
// its HTTP API.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dkeye/meshvoice/internal/core"
	"github.com/dkeye/meshvoice/internal/domain"
)

type Client struct {
	base string
	http *http.Client
}

var (
	_ core.Store         = (*Client)(nil)
	_ core.RoomDirectory = (*Client)(nil)
)

// NewClient targets the hub at baseURL. jar may be nil.
func NewClient(baseURL string, jar http.CookieJar) *Client {
	return &Client{
		base: strings.TrimSuffix(baseURL, "/"),
		http: &http.Client{Timeout: 10 * time.Second, Jar: jar},
	}
}

type apiError struct {
	Error string `json:"error"`
}

func (c *Client) membersURL(room domain.RoomID, id domain.ParticipantID) string {
	u := c.base + "/api/rooms/" + url.PathEscape(string(room)) + "/members"
	if id != "" {
		u += "/" + url.PathEscape(string(id))
	}
	return u
}

// do sends one request. Network failures, 5xx and 429 are transient; any
// other non-2xx is permanent, with 404 and 409 mapped to their sentinels.
func (c *Client) do(ctx context.Context, op, method, target string, body, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return core.Permanent(op, err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, rd)
	if err != nil {
		return core.Permanent(op, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return core.Transient(op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil || resp.StatusCode == http.StatusNoContent {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return core.Transient(op, fmt.Errorf("decoding response: %w", err))
		}
		return nil
	}

	var ae apiError
	_ = json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&ae)
	cause := fmt.Errorf("%s %s: %s: %s", method, target, resp.Status, ae.Error)
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return core.Permanent(op, errors.Join(core.ErrMembershipNotFound, cause))
	case resp.StatusCode == http.StatusConflict:
		return core.Permanent(op, errors.Join(core.ErrRoomExists, cause))
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode >= 500:
		return core.Transient(op, cause)
	}
	return core.Permanent(op, cause)
}

func (c *Client) InsertMembership(ctx context.Context, row domain.RoomMembership) error {
	return c.do(ctx, "insert", http.MethodPost, c.membersURL(row.RoomID, ""), row, nil)
}

func (c *Client) UpdateMembership(ctx context.Context, room domain.RoomID, id domain.ParticipantID, f domain.MembershipFields) error {
	return c.do(ctx, "update", http.MethodPatch, c.membersURL(room, id), f, nil)
}

func (c *Client) DeleteMembership(ctx context.Context, room domain.RoomID, id domain.ParticipantID) error {
	return c.do(ctx, "delete", http.MethodDelete, c.membersURL(room, id), nil, nil)
}

func (c *Client) ListMembership(ctx context.Context, room domain.RoomID) ([]domain.RoomMembership, error) {
	var rows []domain.RoomMembership
	if err := c.do(ctx, "list", http.MethodGet, c.membersURL(room, ""), nil, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

func (c *Client) ListRooms(ctx context.Context) ([]domain.Room, error) {
	var resp struct {
		Rooms []domain.Room `json:"rooms"`
	}
	if err := c.do(ctx, "list rooms", http.MethodGet, c.base+"/api/rooms", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Rooms, nil
}

func (c *Client) CreateRoom(ctx context.Context, room domain.Room) (domain.Room, error) {
	var out domain.Room
	if err := c.do(ctx, "create room", http.MethodPost, c.base+"/api/rooms", room, &out); err != nil {
		return domain.Room{}, err
	}
	return out, nil
}
