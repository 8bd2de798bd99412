package captcha

import (
	"context"
	"coursewatch/internal/components/assert"
	"coursewatch/internal/components/telemetry"
	"encoding/json"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-resty/resty/v2"
)

const (
	report_solver_solve  = "solver.solve"
	report_solver_select = "solver.select-answer"
)

// Solver submits challenge images to an external recognition service.
type Solver struct {
	http *resty.Client
	tel  telemetry.API
}

func NewSolver(baseUrl string, tel telemetry.API) *Solver {
	assert.NotEmptyStr(baseUrl, "baseUrl")
	assert.NotNil(tel, "tel")

	tel = telemetry.NewScopedAPI("captcha", tel)

	client := resty.New()
	client.SetBaseURL(baseUrl)
	client.SetTimeout(time.Second * 30)
	telemetry.InstrumentResty(client, tel)

	return &Solver{
		http: client,
		tel:  tel,
	}
}

type solveResponse struct {
	Response *[]string `json:"response"`
}

// Solve returns the answer for a challenge image. Every error returned is a *Error.
func (s *Solver) Solve(ctx context.Context, image []byte) (string, error) {
	res, err := s.http.R().
		SetContext(ctx).
		SetHeader("content-type", mimetype.Detect(image).String()).
		SetBody(image).
		Post("/solve")
	if err != nil {
		return "", &Error{Kind: KindTransport, Err: err}
	}
	if res.StatusCode() != http.StatusOK {
		s.tel.ReportBroken(report_solver_solve, res.Status())
		return "", &Error{Kind: KindServiceHTTP, Status: res.StatusCode()}
	}

	var body solveResponse
	err = json.Unmarshal(res.Body(), &body)
	if err != nil {
		s.tel.ReportWarning(report_solver_solve, err, res.String())
		return "", &Error{Kind: KindInvalidResponse, Err: err}
	}
	if body.Response == nil {
		s.tel.ReportWarning(report_solver_solve, "missing response field", res.String())
		return "", &Error{Kind: KindInvalidResponse}
	}

	answer, err := SelectAnswer(*body.Response)
	if err != nil {
		s.tel.ReportWarning(report_solver_select, err, *body.Response)
		return "", err
	}
	s.tel.ReportDebug("solved challenge", *body.Response, answer)
	return answer, nil
}

var calcRegex = regexp.MustCompile(`([0-9])([+x\-])([0-9])`)

// SelectAnswer picks the final answer from the recognizer's guesses: the first
// `<digit><op><digit>` guess is evaluated and wins outright, otherwise the last guess
// is returned verbatim.
func SelectAnswer(candidates []string) (string, error) {
	if len(candidates) == 0 {
		return "", &Error{Kind: KindNoViableAnswer}
	}

	for _, candidate := range candidates {
		groups := calcRegex.FindStringSubmatch(candidate)
		if len(groups) < 4 {
			continue
		}
		return evaluate(groups[1], groups[2], groups[3])
	}
	return candidates[len(candidates)-1], nil
}

func evaluate(lhs, op, rhs string) (string, error) {
	a, err := strconv.Atoi(lhs)
	if err != nil {
		return "", &Error{Kind: KindParse, Substring: lhs, Err: err}
	}
	b, err := strconv.Atoi(rhs)
	if err != nil {
		return "", &Error{Kind: KindParse, Substring: rhs, Err: err}
	}

	switch op {
	case "+":
		return strconv.Itoa(a + b), nil
	case "-":
		return strconv.Itoa(a - b), nil
	case "x":
		return strconv.Itoa(a * b), nil
	}
	return "", &Error{Kind: KindInvalidResponse}
}
