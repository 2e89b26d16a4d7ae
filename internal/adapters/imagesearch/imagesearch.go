// Package imagesearch implements stage 5's two external collaborators
// (spec.md §6): the image search service (query -> candidate URLs) and the
// HTTP client used to fetch image bytes, gated through
// cloud.google.com/go/vision/v2 SafeSearch before a candidate is accepted.
// Client construction is grounded on internal/clients/gcp/vision.go; the
// search+fetch shape is new (the donor has no image-search concern), kept
// in the donor's adapter style: small interface, context-scoped client,
// classify.New on every external failure.
package imagesearch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	vision "cloud.google.com/go/vision/v2/apiv1"
	visionpb "cloud.google.com/go/vision/v2/apiv1/visionpb"
	"golang.org/x/sync/errgroup"

	"github.com/xdotcontractor01/mdvideo/internal/classify"
	"github.com/xdotcontractor01/mdvideo/internal/domain"
	"github.com/xdotcontractor01/mdvideo/internal/platform/ctxutil"
	"github.com/xdotcontractor01/mdvideo/internal/platform/gcp"
	"github.com/xdotcontractor01/mdvideo/internal/platform/logger"
)

// Candidate is one fetched-and-gated image ready to place on a slide.
type Candidate struct {
	SlideIndex int
	Path       string
	WidthPx    int
	HeightPx   int
}

// Query is one stage-4-planned image request for a single slide.
type Query struct {
	SlideIndex int
	Text       string
}

// Service fetches and SafeSearch-gates images for an image plan.
type Service interface {
	FetchAll(ctx context.Context, queries []Query, destDir string, workers int) ([]Candidate, error)
	Close() error
}

type searchResult struct {
	URL    string `json:"url"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

type service struct {
	log        *logger.Logger
	http       *http.Client
	vision     *vision.ImageAnnotatorClient
	searchBase string
	apiKey     string
}

// New constructs a Service. searchBase is a JSON image-search endpoint that
// accepts ?q=<query>&key=<apiKey> and returns a JSON array of searchResult;
// a nil vision client (visionEnabled=false) skips SafeSearch gating, useful
// for local/dev runs without GCP credentials configured.
func New(log *logger.Logger, searchBase, apiKey string, visionEnabled bool) (Service, error) {
	slog := log.With("service", "ImageSearch")
	var vc *vision.ImageAnnotatorClient
	if visionEnabled {
		ctx := context.Background()
		c, err := vision.NewImageAnnotatorClient(ctx, gcp.ClientOptionsFromEnv()...)
		if err != nil {
			return nil, fmt.Errorf("vision client: %w", err)
		}
		vc = c
	}
	return &service{
		log:        slog,
		http:       &http.Client{Timeout: 30 * time.Second},
		vision:     vc,
		searchBase: searchBase,
		apiKey:     apiKey,
	}, nil
}

func (s *service) Close() error {
	if s == nil || s.vision == nil {
		return nil
	}
	return s.vision.Close()
}

func (s *service) FetchAll(ctx context.Context, queries []Query, destDir string, workers int) ([]Candidate, error) {
	if workers <= 0 {
		workers = 4
	}
	if workers > 8 {
		workers = 8
	}
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return nil, classify.New(domain.ErrKindFS, fmt.Errorf("mkdir image dest dir: %w", err))
	}

	ctx = ctxutil.Default(ctx)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	out := make([]Candidate, len(queries))
	for i, q := range queries {
		i, q := i, q
		g.Go(func() error {
			c, err := s.fetchOne(gctx, q, destDir)
			if err != nil {
				s.log.Warn("image fetch failed, slide will fall through to stage fallback", "slide_index", q.SlideIndex, "error", err)
				return err
			}
			out[i] = c
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *service) fetchOne(ctx context.Context, q Query, destDir string) (Candidate, error) {
	results, err := s.search(ctx, q.Text)
	if err != nil {
		return Candidate{}, err
	}
	var lastErr error
	for _, r := range results {
		if s.vision != nil {
			safe, err := s.safeSearchPasses(ctx, r.URL)
			if err != nil {
				lastErr = err
				continue
			}
			if !safe {
				continue
			}
		}
		path := filepath.Join(destDir, fmt.Sprintf("slide-%02d%s", q.SlideIndex, ext(r.URL)))
		if err := s.download(ctx, r.URL, path); err != nil {
			lastErr = err
			continue
		}
		return Candidate{SlideIndex: q.SlideIndex, Path: path, WidthPx: r.Width, HeightPx: r.Height}, nil
	}
	if lastErr != nil {
		return Candidate{}, lastErr
	}
	return Candidate{}, classify.New(domain.ErrKindRemoteAPI, fmt.Errorf("no safe image candidates for slide %d", q.SlideIndex))
}

func (s *service) search(ctx context.Context, query string) ([]searchResult, error) {
	u, err := url.Parse(s.searchBase)
	if err != nil {
		return nil, classify.New(domain.ErrKindFormat, fmt.Errorf("image search base url: %w", err))
	}
	qs := u.Query()
	qs.Set("q", query)
	if s.apiKey != "" {
		qs.Set("key", s.apiKey)
	}
	u.RawQuery = qs.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, classify.New(domain.ErrKindUnknown, err)
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return nil, classify.New(domain.ErrKindNetwork, fmt.Errorf("image search request: %w", err))
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, classify.New(domain.ErrKindRemoteAPI, fmt.Errorf("image search status %d", resp.StatusCode))
	}
	var results []searchResult
	if err := json.NewDecoder(resp.Body).Decode(&results); err != nil {
		return nil, classify.New(domain.ErrKindFormat, fmt.Errorf("image search decode: %w", err))
	}
	return results, nil
}

func (s *service) safeSearchPasses(ctx context.Context, imageURL string) (bool, error) {
	resp, err := s.vision.DetectSafeSearch(ctx, &visionpb.Image{
		Source: &visionpb.ImageSource{ImageUri: imageURL},
	}, nil)
	if err != nil {
		return false, classify.New(domain.ErrKindRemoteAPI, fmt.Errorf("safe search: %w", err))
	}
	if resp == nil {
		return true, nil
	}
	unsafe := isLikely(resp.Adult) || isLikely(resp.Violence) || isLikely(resp.Racy)
	return !unsafe, nil
}

func isLikely(l visionpb.Likelihood) bool {
	return l == visionpb.Likelihood_LIKELY || l == visionpb.Likelihood_VERY_LIKELY
}

func (s *service) download(ctx context.Context, imageURL, destPath string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, imageURL, nil)
	if err != nil {
		return classify.New(domain.ErrKindUnknown, err)
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return classify.New(domain.ErrKindNetwork, fmt.Errorf("image download: %w", err))
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return classify.New(domain.ErrKindRemoteAPI, fmt.Errorf("image download status %d", resp.StatusCode))
	}
	f, err := os.Create(destPath)
	if err != nil {
		return classify.New(domain.ErrKindFS, err)
	}
	defer f.Close()
	if _, err := io.Copy(f, resp.Body); err != nil {
		return classify.New(domain.ErrKindFS, fmt.Errorf("write image: %w", err))
	}
	return nil
}

func ext(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ".jpg"
	}
	e := filepath.Ext(u.Path)
	if e == "" {
		return ".jpg"
	}
	if len(e) > 5 {
		return ".jpg"
	}
	return e
}
