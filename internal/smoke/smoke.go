// Package smoke invokes the deployed function the way API Gateway would and
// checks that it answers.
package smoke

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/lambda"
	"github.com/aws/aws-sdk-go/service/lambda/lambdaiface"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const HealthPath = "/health"

// ErrUnhealthy is returned when the function answers with a non-200 status.
var ErrUnhealthy = errors.New("function is unhealthy")

type Result struct {
	StatusCode int           `json:"status_code"`
	Body       string        `json:"body"`
	Logs       string        `json:"logs,omitempty"`
	Duration   time.Duration `json:"duration"`
}

// functionError is the payload Lambda returns when the handler raised.
type functionError struct {
	ErrorType    string   `json:"errorType"`
	ErrorMessage string   `json:"errorMessage"`
	StackTrace   []string `json:"stackTrace"`
}

type Checker struct {
	lambdaClient lambdaiface.LambdaAPI
	logger       *zap.Logger
}

func NewChecker(lambdaClient lambdaiface.LambdaAPI, logger *zap.Logger) *Checker {
	return &Checker{lambdaClient: lambdaClient, logger: logger}
}

// Request builds an HTTP API (payload 2.0) event for a GET on path.
func Request(path string) events.APIGatewayV2HTTPRequest {
	now := time.Now().UTC()
	return events.APIGatewayV2HTTPRequest{
		Version:  "2.0",
		RouteKey: "GET " + path,
		RawPath:  path,
		Headers:  map[string]string{"accept": "application/json"},
		RequestContext: events.APIGatewayV2HTTPRequestContext{
			RouteKey:  "GET " + path,
			RequestID: uuid.New().String(),
			Stage:     "$default",
			Time:      now.Format("02/Jan/2006:15:04:05 -0700"),
			TimeEpoch: now.UnixNano() / int64(time.Millisecond),
			HTTP: events.APIGatewayV2HTTPRequestContextHTTPDescription{
				Method:    http.MethodGet,
				Path:      path,
				Protocol:  "HTTP/1.1",
				SourceIP:  "127.0.0.1",
				UserAgent: "paguebem-deployer",
			},
		},
	}
}

// Check invokes functionName with a GET on path and expects a 200.
func (c *Checker) Check(ctx context.Context, functionName, path string) (*Result, error) {
	payload, err := json.Marshal(Request(path))
	if err != nil {
		return nil, err
	}

	start := time.Now()
	out, err := c.lambdaClient.InvokeWithContext(ctx, &lambda.InvokeInput{
		FunctionName: aws.String(functionName),
		Payload:      payload,
		LogType:      aws.String(lambda.LogTypeTail),
	})
	if err != nil {
		return nil, fmt.Errorf("unable to invoke %s: %w", functionName, err)
	}

	result := &Result{
		Duration: time.Since(start),
		Logs:     filterLogOutput(out.LogResult),
	}
	logger := c.logger.With(zap.String("function", functionName), zap.String("path", path))

	if out.FunctionError != nil {
		var fnErr functionError
		if err := json.Unmarshal(out.Payload, &fnErr); err != nil || fnErr.ErrorMessage == "" {
			fnErr.ErrorMessage = string(out.Payload)
		}
		logger.Error("function raised", zap.String("type", fnErr.ErrorType), zap.String("logs", result.Logs))
		return result, fmt.Errorf("%w: %s: %s", ErrUnhealthy, aws.StringValue(out.FunctionError), fnErr.ErrorMessage)
	}

	var resp events.APIGatewayV2HTTPResponse
	if err := json.Unmarshal(out.Payload, &resp); err != nil {
		return result, fmt.Errorf("%w: unexpected response %q", ErrUnhealthy, string(out.Payload))
	}
	result.StatusCode = resp.StatusCode
	result.Body = resp.Body
	if resp.IsBase64Encoded {
		if body, err := base64.StdEncoding.DecodeString(resp.Body); err == nil {
			result.Body = string(body)
		}
	}

	if resp.StatusCode != http.StatusOK {
		logger.Warn("unexpected status", zap.Int("status", resp.StatusCode), zap.String("body", result.Body))
		return result, fmt.Errorf("%w: GET %s returned %d", ErrUnhealthy, path, resp.StatusCode)
	}
	logger.Info("function healthy", zap.Duration("duration", result.Duration))
	return result, nil
}

var logMetaRegex = regexp.MustCompile(`^(START RequestId: |END RequestId: |REPORT RequestId: |XRAY TraceId: )`)

// filterLogOutput decodes the tail of the invocation log and drops the
// runtime's bookkeeping lines.
func filterLogOutput(logResult *string) string {
	if logResult == nil {
		return ""
	}

	logResultBytes, err := base64.StdEncoding.DecodeString(*logResult)
	if err != nil {
		return ""
	}

	buf := bytes.NewBufferString("")
	scanner := bufio.NewScanner(strings.NewReader(string(logResultBytes)))
	for scanner.Scan() {
		line := scanner.Text()
		if logMetaRegex.MatchString(line) {
			continue
		}
		buf.WriteString(line + "\n")
	}
	return buf.String()
}
