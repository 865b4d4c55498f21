package auth

import (
	"encoding/hex"
	"fmt"
	"net/url"
	"strconv"
	"time"
)

// PresignOptions names the inputs to presigned URL generation.
type PresignOptions struct {
	Method      string
	Endpoint    string // scheme://host[:port]
	Bucket      string
	Key         string
	AccessKeyID string
	SecretKey   string
	Region      string
	Expires     time.Duration
	Now         time.Time // zero means time.Now
}

// PresignURL generates a presigned URL carrying the SigV4 signature in
// its query string. The signature covers the host header only and uses
// UNSIGNED-PAYLOAD, so any body is accepted within the expiry window.
func PresignURL(opts PresignOptions) (string, error) {
	secs := int64(opts.Expires / time.Second)
	if secs < 1 || secs > maxPresignedExpiry {
		return "", fmt.Errorf("expiry must be between 1 second and %d seconds, got %d", maxPresignedExpiry, secs)
	}

	base, err := url.Parse(opts.Endpoint)
	if err != nil {
		return "", fmt.Errorf("parsing endpoint: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return "", fmt.Errorf("endpoint must include scheme and host: %q", opts.Endpoint)
	}

	now := opts.Now
	if now.IsZero() {
		now = time.Now()
	}
	now = now.UTC()
	amzDate := now.Format(amzDateFormat)
	dateStr := now.Format(amzDateShort)
	scope := fmt.Sprintf("%s/%s/%s/%s", dateStr, opts.Region, service, scopeTerminator)

	path := "/" + opts.Bucket
	if opts.Key != "" {
		path += "/" + opts.Key
	}

	q := url.Values{}
	q.Set("X-Amz-Algorithm", algorithm)
	q.Set("X-Amz-Credential", opts.AccessKeyID+"/"+scope)
	q.Set("X-Amz-Date", amzDate)
	q.Set("X-Amz-Expires", strconv.FormatInt(secs, 10))
	q.Set("X-Amz-SignedHeaders", "host")

	canonicalRequest := opts.Method + "\n" +
		canonicalURI(path) + "\n" +
		canonicalQueryString(q) + "\n" +
		"host:" + base.Host + "\n" +
		"\n" +
		"host" + "\n" +
		unsignedPayload

	stringToSign := buildStringToSign(amzDate, scope, canonicalRequest)
	signingKey := deriveSigningKey(opts.SecretKey, dateStr, opts.Region, service)
	signature := hex.EncodeToString(hmacSHA256(signingKey, stringToSign))

	q.Set("X-Amz-Signature", signature)

	base.Path = path
	base.RawQuery = q.Encode()
	return base.String(), nil
}
