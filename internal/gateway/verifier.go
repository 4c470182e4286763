// Package gateway содержит проверку подлинности уведомлений платёжного шлюза.
package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/fahrezi93/thrifting-ecommerce-sub002/internal/model"
	"github.com/fahrezi93/thrifting-ecommerce-sub002/internal/validation"
)

// Заголовки callback-запроса шлюза.
const (
	SignatureHeader = "X-Webhook-Signature"
	TimestampHeader = "X-Webhook-Timestamp"
)

var (
	// ErrAuthentication возвращается при отсутствующей, неверной или устаревшей подписи.
	ErrAuthentication = errors.New("webhook authentication failed")
	// ErrMalformedPayload возвращается, если тело уведомления не удалось разобрать.
	ErrMalformedPayload = errors.New("malformed webhook payload")
)

// Verifier проверяет подпись callback-запросов платёжного шлюза.
// Подпись — HMAC-SHA256 от строки "<timestamp>.<body>" на общем секрете,
// где body — байты тела запроса ровно в том виде, в котором они получены.
type Verifier struct {
	secret  []byte
	maxSkew time.Duration
	now     func() time.Time
}

// NewVerifier создаёт Verifier с указанным секретом и допустимым расхождением часов.
func NewVerifier(secret string, maxSkew time.Duration) *Verifier {
	if maxSkew <= 0 {
		maxSkew = 5 * time.Minute
	}
	return &Verifier{
		secret:  []byte(secret),
		maxSkew: maxSkew,
		now:     time.Now,
	}
}

type callbackPayload struct {
	Reference     string `json:"reference"`
	Status        string `json:"status"`
	Amount        int64  `json:"amount"`
	Currency      string `json:"currency"`
	PaymentMethod string `json:"payment_method"`
}

// Verify проверяет подпись и временную метку запроса и возвращает разобранное
// уведомление. Никаких побочных эффектов у проверки нет: состояние заказа
// не читается и не изменяется.
func (v *Verifier) Verify(header http.Header, body []byte) (*model.Notification, error) {
	sig := header.Get(SignatureHeader)
	if sig == "" {
		return nil, fmt.Errorf("%w: missing signature", ErrAuthentication)
	}

	tsRaw := header.Get(TimestampHeader)
	if tsRaw == "" {
		return nil, fmt.Errorf("%w: missing timestamp", ErrAuthentication)
	}

	ts, err := strconv.ParseInt(tsRaw, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid timestamp", ErrAuthentication)
	}

	skew := v.now().Sub(time.Unix(ts, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > v.maxSkew {
		return nil, fmt.Errorf("%w: timestamp outside allowed window", ErrAuthentication)
	}

	provided, err := hex.DecodeString(sig)
	if err != nil {
		return nil, fmt.Errorf("%w: signature mismatch", ErrAuthentication)
	}

	if !hmac.Equal(provided, v.sign(tsRaw, body)) {
		return nil, fmt.Errorf("%w: signature mismatch", ErrAuthentication)
	}

	var p callbackPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	if !validation.IsValidReference(p.Reference) {
		return nil, fmt.Errorf("%w: missing or invalid reference", ErrMalformedPayload)
	}

	status, err := mapGatewayStatus(p.Status)
	if err != nil {
		return nil, err
	}

	return &model.Notification{
		Reference:     p.Reference,
		Status:        status,
		Amount:        p.Amount,
		Currency:      p.Currency,
		PaymentMethod: p.PaymentMethod,
		ReceivedAt:    v.now(),
	}, nil
}

// Signature возвращает hex-подпись для указанной временной метки и тела.
func (v *Verifier) Signature(timestamp string, body []byte) string {
	return hex.EncodeToString(v.sign(timestamp, body))
}

func (v *Verifier) sign(timestamp string, body []byte) []byte {
	mac := hmac.New(sha256.New, v.secret)
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return mac.Sum(nil)
}

func mapGatewayStatus(s string) (model.OrderStatus, error) {
	switch strings.ToUpper(s) {
	case "PAID":
		return model.OrderStatusPaid, nil
	case "EXPIRED", "FAILED":
		return model.OrderStatusFailed, nil
	case "REFUND":
		return model.OrderStatusCancelled, nil
	default:
		return "", fmt.Errorf("%w: unknown status %q", ErrMalformedPayload, s)
	}
}
