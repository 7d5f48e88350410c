package middleware

import (
	"bytes"
	"io"
	"net/http"
	"net/url"

	"github.com/labstack/echo/v4"
	twclient "github.com/twilio/twilio-go/client"
)

// TwilioParamsKey is the echo context key holding the validated form parameters.
const TwilioParamsKey = "twilioParams"

// TwilioAuth rejects callbacks whose X-Twilio-Signature does not match. publicURL
// returns the URL Twilio was told to call for the current request.
func TwilioAuth(getAuthToken func() string, publicURL func(c echo.Context) string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			authToken := getAuthToken()
			if authToken == "" {
				return c.String(http.StatusInternalServerError, "TWILIO_AUTH_TOKEN not configured")
			}

			body, err := io.ReadAll(c.Request().Body)
			if err != nil {
				return c.String(http.StatusBadRequest, "Failed to read request body")
			}
			c.Request().Body = io.NopCloser(bytes.NewReader(body))

			form, err := url.ParseQuery(string(body))
			if err != nil {
				return c.String(http.StatusBadRequest, "Failed to parse form data")
			}
			params := make(map[string]string, len(form))
			for key, values := range form {
				if len(values) > 0 {
					params[key] = values[0]
				}
			}

			signature := c.Request().Header.Get("X-Twilio-Signature")
			validator := twclient.NewRequestValidator(authToken)
			if signature == "" || !validator.Validate(publicURL(c), params, signature) {
				return c.String(http.StatusUnauthorized, "Invalid Twilio signature")
			}

			c.Set(TwilioParamsKey, params)
			return next(c)
		}
	}
}
