package middleware

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/ehr/bulkmatch/internal/platform/fhir"
)

const defaultBodyLimit = 1 << 20

// sizeUnits is ordered so two-letter suffixes are tried first.
var sizeUnits = []struct {
	suffix string
	bytes  int64
}{
	{"GB", 1 << 30}, {"MB", 1 << 20}, {"KB", 1 << 10},
	{"G", 1 << 30}, {"M", 1 << 20}, {"K", 1 << 10},
}

// BodyLimit caps request bodies at limit ("512K", "10M", "1G" or a bare
// byte count). A declared Content-Length over the cap is answered with a
// 413 OperationOutcome before the handler runs; an undeclared body that
// grows past it fails the handler's read with a 413 HTTPError.
func BodyLimit(limit string) echo.MiddlewareFunc {
	max := parseLimit(limit)

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if req.Body == nil || req.Body == http.NoBody {
				return next(c)
			}
			if req.ContentLength > max {
				return c.JSON(http.StatusRequestEntityTooLarge, fhir.NewOperationOutcome(
					fhir.IssueSeverityError, fhir.IssueTypeTooCostly,
					fmt.Sprintf("Request body exceeds maximum allowed size of %d bytes", max),
				))
			}
			req.Body = &cappedBody{rc: req.Body, left: max}
			return next(c)
		}
	}
}

type cappedBody struct {
	rc   io.ReadCloser
	left int64
}

func (b *cappedBody) Read(p []byte) (int, error) {
	if b.left < 0 {
		return 0, errBodyTooLarge()
	}
	// One byte past the cap is enough to tell overflow from EOF.
	if int64(len(p)) > b.left+1 {
		p = p[:b.left+1]
	}
	n, err := b.rc.Read(p)
	b.left -= int64(n)
	if b.left < 0 {
		return 0, errBodyTooLarge()
	}
	return n, err
}

func (b *cappedBody) Close() error { return b.rc.Close() }

func errBodyTooLarge() error {
	return echo.NewHTTPError(http.StatusRequestEntityTooLarge, "request body too large")
}

// parseLimit falls back to 1 MB for empty or malformed input.
func parseLimit(s string) int64 {
	s = strings.ToUpper(strings.TrimSpace(s))
	mult := int64(1)
	for _, u := range sizeUnits {
		if strings.HasSuffix(s, u.suffix) {
			s, mult = strings.TrimSuffix(s, u.suffix), u.bytes
			break
		}
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n <= 0 {
		return defaultBodyLimit
	}
	return n * mult
}
