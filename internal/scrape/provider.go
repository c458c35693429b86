package scrape

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/reply-report-engine/internal/policy/ratelimit"
	"github.com/JakeFAU/reply-report-engine/internal/report"
)

const maxBodyInError = 512

// ProviderConfig configures the HTTP provider client.
type ProviderConfig struct {
	BaseURL string
	Token   string
	Timeout time.Duration
	RPS     float64
	Burst   int
	Logger  *zap.Logger
}

// Provider talks to the reply provider's JSON API.
type Provider struct {
	client  *resty.Client
	limiter *ratelimit.Limiter
	baseURL string
	logger  *zap.Logger
}

type postAuthor struct {
	Username        string `json:"username"`
	ProfileImageURL string `json:"profile_image_url"`
	Verified        bool   `json:"verified"`
	FollowersCount  int    `json:"followers_count"`
}

type postPayload struct {
	ID        string     `json:"id"`
	Text      string     `json:"text"`
	CreatedAt time.Time  `json:"created_at"`
	Author    postAuthor `json:"author"`
}

type postResponse struct {
	Data postPayload `json:"data"`
}

type repliesResponse struct {
	Data []postPayload `json:"data"`
	Meta struct {
		ResultCount int    `json:"result_count"`
		NextToken   string `json:"next_token"`
	} `json:"meta"`
}

// NewProvider constructs a Provider.
func NewProvider(cfg ProviderConfig) *Provider {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json").
		SetHeader("User-Agent", "reportd/1.0")
	if cfg.Token != "" {
		client.SetAuthToken(cfg.Token)
	}
	return &Provider{
		client:  client,
		limiter: ratelimit.New(ratelimit.Config{RPS: cfg.RPS, Burst: cfg.Burst}),
		baseURL: cfg.BaseURL,
		logger:  logger.Named("scrape"),
	}
}

// Scrape fetches the original post and the replies concurrently. The original
// post callback fires as soon as that half resolves.
func (p *Provider) Scrape(ctx context.Context, conversationID string, opts Options, cb Callbacks) (Result, error) {
	var res Result
	g, gctx := errgroup.WithContext(ctx)

	if opts.IncludeOriginal {
		g.Go(func() error {
			post, err := p.fetchOriginal(gctx, conversationID)
			if err != nil {
				return err
			}
			res.OriginalPost = &post
			if cb.OnOriginalFetched != nil {
				if err := cb.OnOriginalFetched(gctx, post); err != nil {
					return fmt.Errorf("original post callback: %w", err)
				}
			}
			return nil
		})
	}

	g.Go(func() error {
		items, err := p.fetchReplies(gctx, conversationID, opts)
		if err != nil {
			return err
		}
		res.Items = items
		return nil
	})

	if err := g.Wait(); err != nil {
		return Result{}, err
	}
	p.logger.Debug("scrape finished",
		zap.String("conversation_id", conversationID),
		zap.Int("items", len(res.Items)),
		zap.Bool("original", res.OriginalPost != nil),
	)
	return res, nil
}

func (p *Provider) fetchOriginal(ctx context.Context, conversationID string) (report.OriginalPost, error) {
	if err := p.limiter.Wait(ctx, p.baseURL); err != nil {
		return report.OriginalPost{}, err
	}
	var out postResponse
	resp, err := p.client.R().
		SetContext(ctx).
		SetPathParam("id", conversationID).
		SetResult(&out).
		Get("/tweets/{id}")
	if err != nil {
		return report.OriginalPost{}, fmt.Errorf("fetch original post: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return report.OriginalPost{}, statusError("fetch original post", resp)
	}
	return report.OriginalPost{
		ExternalID: out.Data.ID,
		Text:       out.Data.Text,
		Author:     out.Data.Author.Username,
		AvatarURL:  out.Data.Author.ProfileImageURL,
	}, nil
}

func (p *Provider) fetchReplies(ctx context.Context, conversationID string, opts Options) ([]report.ScrapedItem, error) {
	pageCap := opts.PageCap
	if pageCap <= 0 {
		pageCap = 100
	}
	order := opts.Order
	if order == "" {
		order = OldestFirst
	}

	items := make([]report.ScrapedItem, 0, pageCap)
	next := ""
	for len(items) < pageCap {
		if err := p.limiter.Wait(ctx, p.baseURL); err != nil {
			return nil, err
		}
		params := map[string]string{
			"order":    string(order),
			"limit":    strconv.Itoa(pageCap - len(items)),
			"verified": strconv.FormatBool(opts.BlueOnly),
		}
		if opts.MinFollowers != nil {
			params["min_followers"] = strconv.Itoa(*opts.MinFollowers)
		}
		if opts.Since != nil {
			params["since"] = opts.Since.UTC().Format(time.RFC3339)
		}
		if next != "" {
			params["next_token"] = next
		}

		var page repliesResponse
		resp, err := p.client.R().
			SetContext(ctx).
			SetPathParam("id", conversationID).
			SetQueryParams(params).
			SetResult(&page).
			Get("/tweets/{id}/replies")
		if err != nil {
			return nil, fmt.Errorf("fetch replies: %w", err)
		}
		if resp.StatusCode() != http.StatusOK {
			return nil, statusError("fetch replies", resp)
		}
		for _, d := range page.Data {
			items = append(items, report.ScrapedItem{
				ExternalID:    d.ID,
				Author:        d.Author.Username,
				Text:          d.Text,
				Verified:      d.Author.Verified,
				FollowerCount: d.Author.FollowersCount,
				PostedAt:      d.CreatedAt,
			})
		}
		next = page.Meta.NextToken
		if next == "" || len(page.Data) == 0 {
			break
		}
	}
	if len(items) > pageCap {
		items = items[:pageCap]
	}
	return items, nil
}

func statusError(op string, resp *resty.Response) error {
	body := string(resp.Body())
	if len(body) > maxBodyInError {
		body = body[:maxBodyInError]
	}
	return &StatusError{Op: op, Code: resp.StatusCode(), Body: body}
}
