package oracle

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/atmx/lending-engine/internal/feed"
)

// ErrEmptyResponse is returned when the price service answers without any
// updates for the requested feeds.
var ErrEmptyResponse = errors.New("oracle: price service returned no updates")

// Fetched is one update as served by the price service: the parsed view
// and the signed blob it came with. Only the blob is trusted.
type Fetched struct {
	Parsed Update
	Blob   []byte
}

// Fetcher retrieves signed updates for a set of feeds.
type Fetcher interface {
	Fetch(ctx context.Context, ids []feed.ID) ([]Fetched, error)
}

// HermesClient fetches the latest signed updates over HTTP.
type HermesClient struct {
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
}

// NewHermesClient creates a client for baseURL. rps <= 0 disables pacing.
func NewHermesClient(baseURL string, timeout time.Duration, rps float64, burst int) *HermesClient {
	lim := rate.NewLimiter(rate.Inf, 0)
	if rps > 0 {
		if burst < 1 {
			burst = 1
		}
		lim = rate.NewLimiter(rate.Limit(rps), burst)
	}
	return &HermesClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		limiter: lim,
	}
}

type hermesResponse struct {
	Binary struct {
		Encoding string   `json:"encoding"`
		Data     []string `json:"data"`
	} `json:"binary"`
	Parsed []hermesParsed `json:"parsed"`
}

type hermesParsed struct {
	ID    string `json:"id"`
	Price struct {
		Price       string `json:"price"`
		Conf        string `json:"conf"`
		Expo        int32  `json:"expo"`
		PublishTime int64  `json:"publish_time"`
	} `json:"price"`
}

// Fetch implements Fetcher.
func (c *HermesClient) Fetch(ctx context.Context, ids []feed.ID) ([]Fetched, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("price service rate limit: %w", err)
	}

	q := url.Values{}
	for _, id := range ids {
		q.Add("ids[]", strings.TrimPrefix(id.String(), "0x"))
	}
	q.Set("encoding", "hex")
	q.Set("parsed", "true")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v2/updates/price/latest?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("build price request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch prices: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("fetch prices: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var payload hermesResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedUpdate, err)
	}
	return decodeHermes(payload)
}

func decodeHermes(payload hermesResponse) ([]Fetched, error) {
	if len(payload.Binary.Data) == 0 {
		return nil, ErrEmptyResponse
	}
	if enc := payload.Binary.Encoding; enc != "" && enc != "hex" {
		return nil, fmt.Errorf("%w: encoding %q", ErrMalformedUpdate, enc)
	}
	if len(payload.Parsed) != 0 && len(payload.Parsed) != len(payload.Binary.Data) {
		return nil, fmt.Errorf("%w: %d parsed entries for %d blobs", ErrMalformedUpdate, len(payload.Parsed), len(payload.Binary.Data))
	}

	out := make([]Fetched, 0, len(payload.Binary.Data))
	for i, data := range payload.Binary.Data {
		blob, err := hex.DecodeString(strings.TrimPrefix(data, "0x"))
		if err != nil {
			return nil, fmt.Errorf("%w: blob %d: %v", ErrMalformedUpdate, i, err)
		}
		f := Fetched{Blob: blob}
		if i < len(payload.Parsed) {
			if f.Parsed, err = payload.Parsed[i].update(); err != nil {
				return nil, fmt.Errorf("%w: entry %d: %v", ErrMalformedUpdate, i, err)
			}
		}
		out = append(out, f)
	}
	return out, nil
}

func (p hermesParsed) update() (Update, error) {
	id, err := feed.Parse(p.ID)
	if err != nil {
		return Update{}, err
	}
	price, err := strconv.ParseInt(p.Price.Price, 10, 64)
	if err != nil {
		return Update{}, fmt.Errorf("price: %w", err)
	}
	conf, err := strconv.ParseUint(p.Price.Conf, 10, 64)
	if err != nil {
		return Update{}, fmt.Errorf("conf: %w", err)
	}
	return Update{
		FeedID:      id,
		Price:       price,
		Conf:        conf,
		Expo:        p.Price.Expo,
		PublishTime: time.Unix(p.Price.PublishTime, 0).UTC(),
	}, nil
}
