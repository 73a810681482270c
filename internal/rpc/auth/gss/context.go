package gss

import (
	"encoding/asn1"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/jcmturner/gokrb5/v8/asn1tools"
	"github.com/jcmturner/gokrb5/v8/crypto"
	"github.com/jcmturner/gokrb5/v8/keytab"
	"github.com/jcmturner/gokrb5/v8/messages"
	"github.com/jcmturner/gokrb5/v8/service"
	"github.com/jcmturner/gokrb5/v8/types"
)

// VerifiedContext is the result of a successful AP-REQ verification: enough
// to create a GSSContext and, when mutual authentication was requested, the
// AP-REP token to return to the client.
type VerifiedContext struct {
	Principal         string
	Realm             string
	SessionKey        types.EncryptionKey
	APRepToken        []byte
	HasAcceptorSubkey bool
}

// Verifier abstracts AP-REQ verification so the RPCSEC_GSS filter can be
// tested without a KDC or keytab.
type Verifier interface {
	VerifyToken(gssToken []byte) (*VerifiedContext, error)
}

// KeytabProvider holds the keytab and service principal a Krb5Verifier
// authenticates against.
type KeytabProvider struct {
	mu               sync.RWMutex
	keytab           *keytab.Keytab
	keytabPath       string
	servicePrincipal string
	maxClockSkew     time.Duration
}

// NewKeytabProvider loads keytabPath and binds it to servicePrincipal.
func NewKeytabProvider(keytabPath, servicePrincipal string, maxClockSkew time.Duration) (*KeytabProvider, error) {
	kt, err := loadKeytab(keytabPath)
	if err != nil {
		return nil, err
	}
	return &KeytabProvider{
		keytab:           kt,
		keytabPath:       keytabPath,
		servicePrincipal: servicePrincipal,
		maxClockSkew:     maxClockSkew,
	}, nil
}

// Keytab returns the current keytab.
func (p *KeytabProvider) Keytab() *keytab.Keytab {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.keytab
}

// ServicePrincipal returns the configured service principal name.
func (p *KeytabProvider) ServicePrincipal() string { return p.servicePrincipal }

// MaxClockSkew returns the configured maximum clock skew.
func (p *KeytabProvider) MaxClockSkew() time.Duration { return p.maxClockSkew }

// ReloadKeytab re-reads the keytab file from disk, atomically replacing the
// one in use. Active contexts are unaffected; only new AP-REQ verifications
// see the reloaded keytab.
func (p *KeytabProvider) ReloadKeytab() error {
	kt, err := loadKeytab(p.keytabPath)
	if err != nil {
		return fmt.Errorf("reload keytab %s: %w", p.keytabPath, err)
	}
	p.mu.Lock()
	p.keytab = kt
	p.mu.Unlock()
	return nil
}

func loadKeytab(path string) (*keytab.Keytab, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read keytab file: %w", err)
	}
	kt := keytab.New()
	if err := kt.Unmarshal(data); err != nil {
		return nil, fmt.Errorf("parse keytab: %w", err)
	}
	return kt, nil
}

// Krb5Verifier implements Verifier using gokrb5's AP-REQ verification
// against a KeytabProvider.
type Krb5Verifier struct {
	provider *KeytabProvider
}

// NewKrb5Verifier creates a production Verifier backed by provider.
func NewKrb5Verifier(provider *KeytabProvider) *Krb5Verifier {
	return &Krb5Verifier{provider: provider}
}

// VerifyToken verifies a GSS-API token carrying an AP-REQ: it strips the
// GSS-API wrapper if present, validates the ticket and authenticator
// against the keytab, and builds an AP-REP when the client's AP-REQ
// requested mutual authentication.
func (v *Krb5Verifier) VerifyToken(gssToken []byte) (*VerifiedContext, error) {
	apReqBytes, err := extractAPReq(gssToken)
	if err != nil {
		return nil, fmt.Errorf("extract AP-REQ from GSS token: %w", err)
	}

	var apReq messages.APReq
	if err := apReq.Unmarshal(apReqBytes); err != nil {
		return nil, fmt.Errorf("unmarshal AP-REQ: %w", err)
	}

	settings := service.NewSettings(
		v.provider.Keytab(),
		service.MaxClockSkew(v.provider.MaxClockSkew()),
		service.DecodePAC(false),
		service.KeytabPrincipal(v.provider.ServicePrincipal()),
	)

	ok, _, err := service.VerifyAPREQ(&apReq, settings)
	if err != nil {
		return nil, fmt.Errorf("verify AP-REQ: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("AP-REQ verification failed")
	}

	// AP-Options bit 2 (mutual-required, RFC 4120 Section 5.5.1).
	mutualRequired := len(apReq.APOptions.Bytes) > 0 && apReq.APOptions.Bytes[0]&0x20 != 0

	sessionKey := apReq.Ticket.DecryptedEncPart.Key
	if err := apReq.DecryptAuthenticator(sessionKey); err != nil {
		return nil, fmt.Errorf("decrypt authenticator: %w", err)
	}

	// Per RFC 4120, an authenticator subkey supersedes the ticket session
	// key for subsequent protection operations.
	contextKey := sessionKey
	if hasSubkey(apReq) {
		contextKey = apReq.Authenticator.SubKey
	}

	clientPrincipal := apReq.Ticket.DecryptedEncPart.CName.PrincipalNameString()
	clientRealm := apReq.Ticket.DecryptedEncPart.CRealm

	var apRepToken []byte
	var hasAcceptorSubkey bool
	if mutualRequired {
		apRepToken, err = buildAPRep(apReq, sessionKey)
		if err == nil {
			hasAcceptorSubkey = hasSubkey(apReq)
		}
	}

	return &VerifiedContext{
		Principal:         clientPrincipal,
		Realm:             clientRealm,
		SessionKey:        contextKey,
		APRepToken:        apRepToken,
		HasAcceptorSubkey: hasAcceptorSubkey,
	}, nil
}

// extractAPReq strips a GSS-API initial context token wrapper (RFC 2743
// Section 3.1, RFC 1964 Section 1.1), returning the raw AP-REQ. A token
// that doesn't start with the 0x60 application tag is assumed to already
// be a raw AP-REQ.
func extractAPReq(token []byte) ([]byte, error) {
	if len(token) < 2 {
		return nil, fmt.Errorf("token too short: %d bytes", len(token))
	}
	if token[0] != 0x60 {
		return token, nil
	}

	offset := 1
	length, bytesRead, err := parseASN1Length(token[offset:])
	if err != nil {
		return nil, fmt.Errorf("parse GSS token length: %w", err)
	}
	offset += bytesRead
	if offset+int(length) > len(token) {
		return nil, fmt.Errorf("GSS token truncated: expected %d bytes, have %d", offset+int(length), len(token))
	}

	if offset >= len(token) || token[offset] != 0x06 {
		return nil, fmt.Errorf("expected OID tag 0x06 at offset %d", offset)
	}
	offset++
	if offset >= len(token) {
		return nil, fmt.Errorf("truncated OID length")
	}
	oidLen := int(token[offset])
	offset++
	offset += oidLen
	if offset > len(token) {
		return nil, fmt.Errorf("truncated after OID")
	}

	if offset+2 > len(token) {
		return nil, fmt.Errorf("truncated token ID")
	}
	tokenID := uint16(token[offset])<<8 | uint16(token[offset+1])
	if tokenID != 0x0100 {
		return nil, fmt.Errorf("unexpected krb5 token ID: 0x%04x, expected 0x0100 for AP-REQ", tokenID)
	}
	offset += 2

	return token[offset:], nil
}

// buildAPRep constructs an AP-REP token (RFC 4120 Section 5.5.2) for mutual
// authentication, echoing the authenticator's ctime/cusec and subkey (if
// any) in the encrypted part, and wraps it as a GSS-API MechToken (RFC 1964
// token ID 0x0200).
func buildAPRep(apReq messages.APReq, sessionKey types.EncryptionKey) ([]byte, error) {
	encAPRepPart := messages.EncAPRepPart{
		CTime: apReq.Authenticator.CTime,
		Cusec: apReq.Authenticator.Cusec,
	}
	if hasSubkey(apReq) {
		encAPRepPart.Subkey = apReq.Authenticator.SubKey
	}

	encAPRepPartInner, err := asn1.Marshal(encAPRepPart)
	if err != nil {
		return nil, fmt.Errorf("marshal EncAPRepPart inner: %w", err)
	}
	encAPRepPartBytes := asn1tools.AddASNAppTag(encAPRepPartInner, 27)

	// Key usage 12: AP-REP encrypted part (RFC 4120 Section 7.5.1).
	encryptedData, err := crypto.GetEncryptedData(encAPRepPartBytes, sessionKey, 12, 0)
	if err != nil {
		return nil, fmt.Errorf("encrypt EncAPRepPart: %w", err)
	}

	apRep := messages.APRep{PVNO: 5, MsgType: 15, EncPart: encryptedData}
	apRepInner, err := asn1.Marshal(apRep)
	if err != nil {
		return nil, fmt.Errorf("marshal AP-REP inner: %w", err)
	}
	apRepBytes := asn1tools.AddASNAppTag(apRepInner, 15)

	return wrapGSSToken(apRepBytes, 0x0200), nil
}

// wrapGSSToken wraps innerToken in a GSS-API MechToken (RFC 1964): the
// application-0x60 tag, the krb5 mechanism OID, a 2-byte token ID, then the
// token itself.
func wrapGSSToken(innerToken []byte, tokenID uint16) []byte {
	krb5OID := []byte{0x06, 0x09, 0x2a, 0x86, 0x48, 0x86, 0xf7, 0x12, 0x01, 0x02, 0x02}
	tokenIDBytes := []byte{byte(tokenID >> 8), byte(tokenID & 0xFF)}

	innerContent := make([]byte, 0, len(krb5OID)+len(tokenIDBytes)+len(innerToken))
	innerContent = append(innerContent, krb5OID...)
	innerContent = append(innerContent, tokenIDBytes...)
	innerContent = append(innerContent, innerToken...)

	lengthBytes := encodeASN1Length(len(innerContent))
	result := make([]byte, 0, 1+len(lengthBytes)+len(innerContent))
	result = append(result, 0x60)
	result = append(result, lengthBytes...)
	result = append(result, innerContent...)
	return result
}

func encodeASN1Length(length int) []byte {
	if length < 128 {
		return []byte{byte(length)}
	}
	var lengthBytes []byte
	for length > 0 {
		lengthBytes = append([]byte{byte(length & 0xFF)}, lengthBytes...)
		length >>= 8
	}
	return append([]byte{byte(0x80 | len(lengthBytes))}, lengthBytes...)
}

func parseASN1Length(data []byte) (int, int, error) {
	if len(data) == 0 {
		return 0, 0, fmt.Errorf("empty length field")
	}
	first := data[0]
	if first < 0x80 {
		return int(first), 1, nil
	}
	numBytes := int(first & 0x7f)
	if numBytes == 0 || numBytes > 4 {
		return 0, 0, fmt.Errorf("invalid ASN.1 length: %d bytes", numBytes)
	}
	if 1+numBytes > len(data) {
		return 0, 0, fmt.Errorf("truncated ASN.1 length")
	}
	length := 0
	for i := 1; i <= numBytes; i++ {
		length = (length << 8) | int(data[i])
	}
	return length, 1 + numBytes, nil
}

// hasSubkey reports whether apReq's authenticator carries a subkey.
func hasSubkey(apReq messages.APReq) bool {
	return apReq.Authenticator.SubKey.KeyType != 0 && len(apReq.Authenticator.SubKey.KeyValue) > 0
}
