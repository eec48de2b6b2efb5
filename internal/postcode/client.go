package postcode

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/franckalain/ukcal/internal/logger"
)

var (
	ErrInvalidPostcode = errors.New("postcode must be 5 to 7 letters or digits")
	ErrNotFound        = errors.New("postcode not found")
)

// Address holds the administrative fields used to auto-fill a profile
type Address struct {
	Postcode string `json:"postcode"`
	District string `json:"district"`
	Ward     string `json:"ward"`
	Town     string `json:"town"`
	Region   string `json:"region,omitempty"`
}

// Config configures the lookup client
type Config struct {
	BaseURL   string
	Timeout   time.Duration
	CacheSize int
}

// Client looks postcodes up against a postcodes.io style API
type Client struct {
	baseURL string
	http    *http.Client
	cache   *lru.Cache[string, Address]
	log     *logger.Logger
}

// NewClient creates a postcode client
func NewClient(cfg Config, log *logger.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.postcodes.io"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 256
	}
	cache, err := lru.New[string, Address](cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("create postcode cache: %w", err)
	}
	if log == nil {
		log = logger.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    &http.Client{Timeout: cfg.Timeout},
		cache:   cache,
		log:     log.WithComponent("postcode"),
	}, nil
}

// Normalize removes spaces, upper-cases and validates a postcode
func Normalize(postcode string) (string, error) {
	var b strings.Builder
	for _, r := range postcode {
		if unicode.IsSpace(r) {
			continue
		}
		if r > unicode.MaxASCII || !(unicode.IsLetter(r) || unicode.IsDigit(r)) {
			return "", ErrInvalidPostcode
		}
		b.WriteRune(unicode.ToUpper(r))
	}
	code := b.String()
	if len(code) < 5 || len(code) > 7 {
		return "", ErrInvalidPostcode
	}
	return code, nil
}

type lookupResponse struct {
	Status int `json:"status"`
	Result *struct {
		Postcode      string `json:"postcode"`
		AdminDistrict string `json:"admin_district"`
		AdminWard     string `json:"admin_ward"`
		Parish        string `json:"parish"`
		Region        string `json:"region"`
	} `json:"result"`
	Error string `json:"error"`
}

// Lookup resolves postcode to its administrative areas
func (c *Client) Lookup(ctx context.Context, postcode string) (*Address, error) {
	code, err := Normalize(postcode)
	if err != nil {
		return nil, err
	}
	if addr, ok := c.cache.Get(code); ok {
		return &addr, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/postcodes/"+url.PathEscape(code), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("postcode lookup: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		io.Copy(io.Discard, resp.Body)
		return nil, ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("postcode lookup: status %d", resp.StatusCode)
	}

	var body lookupResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&body); err != nil {
		return nil, fmt.Errorf("postcode lookup: decode: %w", err)
	}
	if body.Result == nil {
		return nil, ErrNotFound
	}

	addr := Address{
		Postcode: body.Result.Postcode,
		District: body.Result.AdminDistrict,
		Ward:     body.Result.AdminWard,
		Town:     townFromParish(body.Result.Parish),
		Region:   body.Result.Region,
	}
	if addr.Postcode == "" {
		addr.Postcode = code
	}
	c.cache.Add(code, addr)
	c.log.Debug("postcode resolved", "postcode", code, "district", addr.District)
	return &addr, nil
}

// townFromParish drops the ", unparished area" suffix postcodes.io uses
// for urban postcodes
func townFromParish(parish string) string {
	if i := strings.Index(parish, ", unparished area"); i >= 0 {
		return parish[:i]
	}
	return parish
}
