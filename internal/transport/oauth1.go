package transport

import (
	"crypto/hmac"
	"crypto/sha1" //nolint:gosec // OAuth 1.0a mandates HMAC-SHA1
	"encoding/base64"
	"sort"
	"strconv"
	"strings"
)

// OAuth1SignatureHeader carries the computed signature.
const OAuth1SignatureHeader = "oauth_signature"

// OAuth1Sign adds the OAuth 1.0a protocol parameters to the payload and
// signs method, URL and payload with HMAC-SHA1.
func (r *Request) OAuth1Sign(key, secret string) *Request {
	r.Set("oauth_consumer_key", key)
	r.Set("oauth_signature_method", "HMAC-SHA1")
	r.Set("oauth_timestamp", strconv.FormatInt(r.now().Unix(), 10))
	r.Set("oauth_version", "1.0")
	r.Set("oauth_nonce", r.nonce())

	base := OAuth1BaseString(r.method, r.url, r.data)
	r.Header(OAuth1SignatureHeader, OAuth1Signature(base, key, secret))
	return r
}

// OAuth1BaseString builds METHOD&enc(lower(url))&enc(params) where params
// are the flattened payload pairs, percent-encoded and sorted by encoded
// key, then by encoded value, both by byte value.
func OAuth1BaseString(method, rawURL string, data *Payload) string {
	flat := flatten(data)
	params := make([]pair, 0, len(flat))
	for _, p := range flat {
		params = append(params, pair{key: RawURLEncode(p.key), value: RawURLEncode(p.value.(string))})
	}
	sort.SliceStable(params, func(i, j int) bool {
		if params[i].key != params[j].key {
			return params[i].key < params[j].key
		}
		return params[i].value.(string) < params[j].value.(string)
	})

	encoded := make([]string, 0, len(params))
	for _, p := range params {
		encoded = append(encoded, p.key+"="+p.value.(string))
	}

	return strings.ToUpper(method) + "&" +
		RawURLEncode(strings.ToLower(rawURL)) + "&" +
		RawURLEncode(strings.Join(encoded, "&"))
}

// OAuth1Signature returns base64(HMAC-SHA1(enc(key)&enc(secret), base)).
func OAuth1Signature(base, key, secret string) string {
	mac := hmac.New(sha1.New, []byte(RawURLEncode(key)+"&"+RawURLEncode(secret)))
	mac.Write([]byte(base))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
