package abuse

import (
	"context"
	"fmt"
)

type AccessConfig struct {
	Blacklist  []string `mapstructure:"blacklist"`
	Whitelist  []string `mapstructure:"whitelist"`
	RequireKYC bool     `mapstructure:"require_kyc"`
}

// KYCVerifier — внешний сервис проверки личности.
type KYCVerifier interface {
	IsVerified(ctx context.Context, identity string) (bool, error)
}

type AccessDecision struct {
	Allowed     bool   `json:"allowed"`
	Code        Code   `json:"code,omitempty"`
	Reason      string `json:"reason,omitempty"`
	RequiresKYC bool   `json:"requiresKyc,omitempty"`
}

// AccessControl: внутренний blacklist, затем статический из конфига,
// затем whitelist (если задан), затем KYC.
type AccessControl struct {
	internal   *Blacklist
	static     map[string]struct{}
	whitelist  map[string]struct{}
	requireKYC bool
	kyc        KYCVerifier
}

func NewAccessControl(cfg AccessConfig, internal *Blacklist, kyc KYCVerifier) *AccessControl {
	return &AccessControl{
		internal:   internal,
		static:     toSet(cfg.Blacklist),
		whitelist:  toSet(cfg.Whitelist),
		requireKYC: cfg.RequireKYC,
		kyc:        kyc,
	}
}

func (a *AccessControl) Check(ctx context.Context, identity string) (AccessDecision, error) {
	if a.internal != nil && a.internal.Contains(identity) {
		return AccessDecision{Code: CodeBlacklisted, Reason: ReasonBlacklisted}, nil
	}
	if _, ok := a.static[identity]; ok {
		return AccessDecision{Code: CodeBlacklisted, Reason: ReasonBlacklisted}, nil
	}
	if len(a.whitelist) > 0 {
		if _, ok := a.whitelist[identity]; !ok {
			return AccessDecision{Code: CodeAccessDenied, Reason: ReasonNotWhitelisted}, nil
		}
	}
	if a.requireKYC {
		if a.kyc == nil {
			return AccessDecision{Code: CodeAccessDenied, Reason: ReasonKYCRequired, RequiresKYC: true}, nil
		}
		ok, err := a.kyc.IsVerified(ctx, identity)
		if err != nil {
			return AccessDecision{}, fmt.Errorf("kyc check %s: %w", identity, err)
		}
		if !ok {
			return AccessDecision{Code: CodeAccessDenied, Reason: ReasonKYCRequired, RequiresKYC: true}, nil
		}
	}
	return AccessDecision{Allowed: true}, nil
}

func (a *AccessControl) IsBlacklisted(identity string) bool {
	if a.internal != nil && a.internal.Contains(identity) {
		return true
	}
	_, ok := a.static[identity]
	return ok
}

func toSet(items []string) map[string]struct{} {
	m := make(map[string]struct{}, len(items))
	for _, s := range items {
		if s != "" {
			m[s] = struct{}{}
		}
	}
	return m
}
