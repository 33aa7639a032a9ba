package api

import (
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/twilio/twilio-go/client"
	"github.com/twilio/twilio-go/twiml"
	"go.uber.org/zap"

	"callbridge/agent/internal/auth"
	"callbridge/agent/internal/callstate"
)

const busyMessage = "We are receiving too many calls right now. Please try again in a minute. Goodbye."

// TwilioSignature checks X-Twilio-Signature on webhook requests and stores the
// form parameters under "twilioParams". With no auth token configured the
// check is skipped.
func TwilioSignature(authToken, publicURL string, log *zap.Logger) echo.MiddlewareFunc {
	validator := client.NewRequestValidator(authToken)
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if err := req.ParseForm(); err != nil {
				return c.String(http.StatusBadRequest, "Failed to parse form data")
			}
			params := make(map[string]string, len(req.PostForm))
			for k, vs := range req.PostForm {
				if len(vs) > 0 {
					params[k] = vs[0]
				}
			}
			if authToken != "" {
				sig := req.Header.Get("X-Twilio-Signature")
				if !validator.Validate(webhookURL(req, publicURL), params, sig) {
					log.Warn("invalid twilio signature", zap.String("path", req.URL.Path))
					return c.String(http.StatusUnauthorized, "Invalid Twilio signature")
				}
			}
			c.Set("twilioParams", params)
			return next(c)
		}
	}
}

// webhookURL is the URL Twilio signed: the configured public base when set,
// otherwise the request host over https.
func webhookURL(r *http.Request, publicURL string) string {
	base := strings.TrimRight(publicURL, "/")
	if base == "" {
		base = "https://" + r.Host
	}
	return base + r.URL.RequestURI()
}

// streamURL turns the public base into the wss:// address of the media endpoint.
func streamURL(r *http.Request, publicURL string) string {
	u, err := url.Parse(strings.TrimRight(publicURL, "/"))
	if publicURL == "" || err != nil || u.Host == "" {
		return "wss://" + r.Host + "/media"
	}
	u.Scheme = "wss"
	u.Path = strings.TrimRight(u.Path, "/") + "/media"
	return u.String()
}

// HandleTwiML answers the voice webhook. The call is admitted through the
// rate limiter and, if allowed, connected to the media stream with the caller
// number, owner and a stream token as stream parameters.
func (h *Handlers) HandleTwiML(c echo.Context) error {
	params, ok := c.Get("twilioParams").(map[string]string)
	if !ok {
		return c.String(http.StatusInternalServerError, "Failed to get Twilio parameters")
	}
	from := params["From"]
	callSID := params["CallSid"]
	owner := c.QueryParam("owner")
	log := h.log.With(zap.String("call_sid", callSID), zap.String("owner", owner))

	if err := h.admit(c, from, owner); err != nil {
		if errors.Is(err, callstate.ErrRateLimitExceeded) {
			log.Warn("call refused by rate limit", zap.Error(err))
			return writeTwiML(c, &twiml.VoiceSay{Message: busyMessage}, &twiml.VoiceHangup{})
		}
		// admission is best effort when the cache is unreachable
		log.Error("rate limit check failed", zap.Error(err))
	}

	stream := &twiml.VoiceStream{
		Url: streamURL(c.Request(), h.cfg.Twilio.PublicURL),
		InnerElements: []twiml.Element{
			&twiml.VoiceParameter{Name: "From", Value: from},
			&twiml.VoiceParameter{Name: "owner", Value: owner},
		},
	}
	if secret := h.cfg.Auth.StreamSecret; secret != "" {
		token := auth.GenerateStreamToken(secret, callSID, h.now().Add(h.cfg.Auth.TokenTTL))
		stream.InnerElements = append(stream.InnerElements, &twiml.VoiceParameter{Name: "token", Value: token})
	}
	log.Info("call admitted")
	return writeTwiML(c, &twiml.VoiceConnect{InnerElements: []twiml.Element{stream}})
}

func (h *Handlers) admit(c echo.Context, from, owner string) error {
	ctx := c.Request().Context()
	if from != "" {
		if _, err := h.calls.Allow(ctx, callstate.ClassPhone, from); err != nil {
			return err
		}
	}
	if owner != "" {
		if _, err := h.calls.Allow(ctx, callstate.ClassUser, owner); err != nil {
			return err
		}
	}
	return nil
}

func writeTwiML(c echo.Context, elems ...twiml.Element) error {
	doc, err := twiml.Voice(elems)
	if err != nil {
		return c.String(http.StatusInternalServerError, "failed to build TwiML")
	}
	c.Response().Header().Set(echo.HeaderContentType, "application/xml")
	return c.String(http.StatusOK, doc)
}
