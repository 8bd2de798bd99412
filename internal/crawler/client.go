// client.go drives a single authenticated browsing session against the enrollment
// portal. It knows the portal's page sequence and markup, it does not know anything
// about recovering a session once the portal has invalidated it (see manager.go).

package crawler

import (
	"context"
	"coursewatch/internal/captcha"
	"coursewatch/internal/components/assert"
	"coursewatch/internal/components/telemetry"
	"coursewatch/pkg/htmlutil"
	"fmt"
	"net/http/cookiejar"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	cloudflarebp "github.com/DaRealFreak/cloudflare-bp-go"
	"github.com/PuerkitoBio/goquery"
	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/net/publicsuffix"
	"golang.org/x/time/rate"
)

var tracer = otel.Tracer("coursewatch/internal/crawler")

const (
	report_client_login        = "client.login"
	report_client_landing_page = "client.landing-page"
	report_client_query        = "client.query"
)

const (
	step_login_token  = "login-token"
	step_captcha      = "captcha"
	step_login        = "login"
	step_index        = "index"
	step_confirm_name = "confirm-name"
	step_enroll       = "enroll"
	step_query_page   = "query-page"
	step_query        = "query"
)

const (
	loginCheckPath  = "/AasEnrollStudent/LoginCheckCtrl"
	captchaPath     = "/AasEnrollStudent/RandImage"
	indexPath       = "/AasEnrollStudent/IndexCtrl"
	loginPath       = "/AasEnrollStudent/LoginCtrl"
	enrollPath      = "/AasEnrollStudent/EnrollCtrl"
	courseQueryPath = "/AasEnrollStudent/CourseQueryCtrl"
)

const userAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.4 Safari/605.1.15"

var (
	loginTokenRegex  = regexp.MustCompile(`url:'.+id='\s+\+\s+'(.+)',?`)
	studentNameRegex = regexp.MustCompile(`(?m)name: ?'stdName',(\r\n.+)+ +value: '(.+)'`)
	seatCountRegex   = regexp.MustCompile(`['"]Count['"] *: *([0-9]+)`)
)

// Solver answers captcha challenges, it is satisfied by *captcha.Solver.
type Solver interface {
	Solve(ctx context.Context, image []byte) (string, error)
}

type ClientOptions struct {
	BaseUrl  string
	Account  string
	Password string
	// MaxRetries bounds transport-level retries of a single seat query.
	MaxRetries int
	// CaptchaRetries bounds full login attempts.
	CaptchaRetries int
	// RetryDelay is the wait between query retries.
	RetryDelay time.Duration
	// RequestsPerSecond limits outgoing requests, values <= 0 disable the limit.
	RequestsPerSecond float64
	Timeout           time.Duration
}

// Client is a single portal session. Its cookie jar is owned exclusively by the
// client, calls must not be made concurrently (Manager serializes them).
type Client struct {
	baseUrl *url.URL
	http    *resty.Client
	solver  Solver
	opts    ClientOptions
	tel     telemetry.API
}

func NewClient(opts ClientOptions, solver Solver, tel telemetry.API) (*Client, error) {
	assert.NotEmptyStr(opts.BaseUrl, "opts.BaseUrl")
	assert.NotNil(solver, "solver")
	assert.NotNil(tel, "tel")
	assert.Positive(opts.CaptchaRetries, "opts.CaptchaRetries")

	tel = telemetry.NewScopedAPI("crawler", tel)

	baseUrl, err := url.Parse(opts.BaseUrl)
	if err != nil {
		return nil, err
	}
	baseUrl.Path = strings.TrimSuffix(baseUrl.Path, "/")

	httpClient := resty.New()
	httpClient.SetBaseURL(baseUrl.String())
	httpClient.GetClient().Transport = cloudflarebp.AddCloudFlareByPass(httpClient.GetClient().Transport)
	httpClient.SetHeader("user-agent", userAgent)
	httpClient.SetRedirectPolicy(resty.DomainCheckRedirectPolicy(baseUrl.Hostname()))
	if opts.Timeout > 0 {
		httpClient.SetTimeout(opts.Timeout)
	} else {
		httpClient.SetTimeout(time.Second * 30)
	}

	limit := rate.Inf
	burst := 1
	if opts.RequestsPerSecond > 0 {
		limit = rate.Limit(opts.RequestsPerSecond)
		// burst >= rate just means that no requests will be dropped
		burst = max(int(opts.RequestsPerSecond), 1)
	}
	rateLimiter := rate.NewLimiter(limit, burst)
	httpClient.OnBeforeRequest(func(_ *resty.Client, req *resty.Request) error {
		return rateLimiter.Wait(req.Context())
	})

	telemetry.InstrumentResty(httpClient, tel)

	c := &Client{
		baseUrl: baseUrl,
		http:    httpClient,
		solver:  solver,
		opts:    opts,
		tel:     tel,
	}
	c.Clear()
	return c, nil
}

// Clear discards every cookie the session holds.
func (c *Client) Clear() {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		// cookiejar.New never returns an error in practice
		panic(err)
	}
	c.http.SetCookieJar(jar)
}

func transportError(step string, err error) error {
	return &Error{Kind: KindTransport, Step: step, Err: err}
}

func statusError(step string, res *resty.Response) error {
	return &Error{
		Kind:   KindTransport,
		Step:   step,
		Status: res.StatusCode(),
		Err:    fmt.Errorf("unexpected status %s", res.Status()),
	}
}

func recordError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// fetch performs a request and rejects transport errors, error statuses and bodies
// carrying the corruption marker.
func (c *Client) fetch(step string, req *resty.Request, method, path string) (string, error) {
	res, err := req.Execute(method, path)
	if err != nil {
		return "", transportError(step, err)
	}
	if res.IsError() {
		return "", statusError(step, res)
	}
	body := res.String()
	err = checkResponse(step, body)
	if err != nil {
		return "", err
	}
	return body, nil
}

func extractLoginToken(body string) (string, bool) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	if err == nil {
		for _, script := range doc.Find("script").Nodes {
			groups := loginTokenRegex.FindStringSubmatch(htmlutil.GetText(script))
			if len(groups) >= 2 {
				return groups[1], true
			}
		}
	}
	groups := loginTokenRegex.FindStringSubmatch(body)
	if len(groups) < 2 {
		return "", false
	}
	return groups[1], true
}

func (c *Client) fetchLoginToken(ctx context.Context) (string, error) {
	body, err := c.fetch(step_login_token, c.http.R().SetContext(ctx), resty.MethodGet, loginCheckPath)
	if err != nil {
		return "", err
	}
	token, ok := extractLoginToken(body)
	if !ok {
		return "", &Error{
			Kind: KindExtractionFailed,
			Step: step_login_token,
			Err:  fmt.Errorf("login token pattern did not match"),
		}
	}
	return token, nil
}

func (c *Client) fetchCaptcha(ctx context.Context) ([]byte, error) {
	res, err := c.http.R().
		SetContext(ctx).
		Get(captchaPath)
	if err != nil {
		return nil, transportError(step_captcha, err)
	}
	if res.IsError() {
		return nil, statusError(step_captcha, res)
	}
	image := res.Body()
	// images are binary, only a textual body can be the corruption notice
	if utf8.Valid(image) {
		err = checkResponse(step_captcha, string(image))
		if err != nil {
			return nil, err
		}
	}
	return image, nil
}

// Login authenticates the session, solving a fresh captcha for every attempt. A
// rejected attempt or an unusable captcha answer clears the session and tries again,
// up to CaptchaRetries attempts.
func (c *Client) Login(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "client:Login")
	defer span.End()

	for attempt := 1; attempt <= c.opts.CaptchaRetries; attempt++ {
		token, err := c.fetchLoginToken(ctx)
		if err != nil {
			recordError(span, err)
			return err
		}
		image, err := c.fetchCaptcha(ctx)
		if err != nil {
			recordError(span, err)
			return err
		}

		answer, err := c.solver.Solve(ctx, image)
		switch captcha.KindOf(err) {
		case captcha.KindNone:
		case captcha.KindNoViableAnswer, captcha.KindInvalidResponse, captcha.KindParse:
			c.tel.ReportWarning(report_client_login, fmt.Errorf("attempt %d: %w", attempt, err))
			c.Clear()
			continue
		default:
			recordError(span, err)
			return err
		}

		res, err := c.http.R().
			SetContext(ctx).
			SetHeader("referer", c.baseUrl.String()).
			SetQueryParams(map[string]string{
				"action": "login",
				"id":     token,
			}).
			SetFormData(map[string]string{
				"userid":       c.opts.Account,
				"password":     c.opts.Password,
				"checkTW":      "1",
				"validateCode": answer,
			}).
			Post(loginCheckPath)
		if err != nil {
			err = transportError(step_login, err)
			recordError(span, err)
			return err
		}
		if strings.Contains(res.String(), "success:true") {
			span.SetAttributes(attribute.Int("attempts", attempt))
			return nil
		}

		c.tel.ReportWarning(report_client_login, fmt.Errorf("attempt %d: login rejected", attempt))
		c.Clear()
	}

	err := &Error{
		Kind: KindLoginExhausted,
		Step: step_login,
		Err:  fmt.Errorf("gave up after %d attempts", c.opts.CaptchaRetries),
	}
	c.tel.ReportBroken(report_client_login, err)
	recordError(span, err)
	return err
}

// LandingPage walks the pages the portal expects a browser to visit after logging
// in, every query made before this is rejected.
func (c *Client) LandingPage(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "client:LandingPage")
	defer span.End()

	err := c.landingPage(ctx)
	if err != nil {
		c.tel.ReportWarning(report_client_landing_page, err)
		recordError(span, err)
	}
	return err
}

func (c *Client) landingPage(ctx context.Context) error {
	body, err := c.fetch(
		step_index,
		c.http.R().SetContext(ctx).SetQueryParam("language", "TW"),
		resty.MethodGet,
		indexPath,
	)
	if err != nil {
		return err
	}

	groups := studentNameRegex.FindStringSubmatch(body)
	if len(groups) < 3 {
		return &Error{
			Kind: KindExtractionFailed,
			Step: step_index,
			Err:  fmt.Errorf("student name pattern did not match"),
		}
	}
	name := groups[2]

	_, err = c.fetch(
		step_confirm_name,
		c.http.R().
			SetContext(ctx).
			SetHeader("referer", c.baseUrl.String()).
			SetFormData(map[string]string{"userid": c.opts.Account, "stdName": name, "checkTW": "1"}),
		resty.MethodPost,
		loginPath,
	)
	if err != nil {
		return err
	}

	_, err = c.fetch(
		step_enroll,
		c.http.R().SetContext(ctx).SetQueryParam("action", "go"),
		resty.MethodGet,
		enrollPath,
	)
	if err != nil {
		return err
	}

	_, err = c.fetch(
		step_query_page,
		c.http.R().SetContext(ctx).SetQueryParam("action", "query"),
		resty.MethodGet,
		courseQueryPath,
	)
	return err
}

func (c *Client) wait(ctx context.Context) error {
	timer := time.NewTimer(c.opts.RetryDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Query returns the number of open seats of a course.
//
// Transport failures are retried up to MaxRetries times. An empty body means the
// portal is not ready yet, it is waited out without consuming any retries, only ctx
// bounds that wait.
func (c *Client) Query(ctx context.Context, courseId string) (int, error) {
	ctx, span := tracer.Start(ctx, "client:Query", trace.WithAttributes(
		attribute.String("course", courseId),
	))
	defer span.End()

	count, err := c.query(ctx, courseId)
	if err != nil {
		recordError(span, err)
		return 0, err
	}
	span.SetAttributes(attribute.Int("count", count))
	return count, nil
}

func (c *Client) query(ctx context.Context, courseId string) (int, error) {
	retries := 0
	for {
		res, err := c.http.R().
			SetContext(ctx).
			SetHeader("referer", c.baseUrl.String()).
			SetFormData(map[string]string{
				"serialNo":     courseId,
				"notFull":      "1",
				"action":       "showGrid",
				"actionButton": "query",
			}).
			Post(courseQueryPath)
		if err == nil && res.IsError() {
			err = statusError(step_query, res)
		} else if err != nil {
			err = transportError(step_query, err)
		}
		if err != nil {
			if ctx.Err() != nil {
				return 0, ctx.Err()
			}
			if retries >= c.opts.MaxRetries {
				c.tel.ReportBroken(report_client_query, courseId, err)
				return 0, &Error{Kind: KindQueryExhausted, Step: step_query, Err: err}
			}
			retries++
			c.tel.ReportWarning(report_client_query, courseId, fmt.Errorf("retry %d: %w", retries, err))
			err = c.wait(ctx)
			if err != nil {
				return 0, err
			}
			continue
		}

		body := res.String()
		err = checkResponse(step_query, body)
		if err != nil {
			return 0, err
		}
		if body == "" {
			c.tel.ReportDebug("query: empty response, portal not ready", "course", courseId)
			err = c.wait(ctx)
			if err != nil {
				return 0, err
			}
			continue
		}

		groups := seatCountRegex.FindStringSubmatch(body)
		if len(groups) < 2 {
			return 0, &Error{
				Kind: KindExtractionFailed,
				Step: step_query,
				Err:  fmt.Errorf("seat count pattern did not match"),
			}
		}
		count, err := strconv.Atoi(groups[1])
		if err != nil {
			return 0, &Error{Kind: KindExtractionFailed, Step: step_query, Err: err}
		}
		return count, nil
	}
}
