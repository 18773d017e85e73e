package activation

import (
	"context"
	"log/slog"

	"redeemcli/internal/credentials"
	"redeemcli/internal/retry"
)

// Redeemer redeems a single key.
type Redeemer interface {
	Redeem(ctx context.Context, key string, auth AuthContext) (RedeemOutcome, error)
}

// KeyRedeemer validates and redeems keys against the storefront.
type KeyRedeemer struct {
	api     RedemptionAPI
	catalog CatalogEnricher
	retry   *retry.Executor
	creds   *credentials.Cache
	metrics *Metrics
	log     componentLogger
}

// NewKeyRedeemer creates a redeemer from the shared services.
func NewKeyRedeemer(svc *Services) *KeyRedeemer {
	s := svc.withDefaults()
	return &KeyRedeemer{
		api:     s.Redemption,
		catalog: s.Catalog,
		retry:   s.Retry,
		creds:   s.Credentials,
		metrics: s.Metrics,
		log:     newComponentLogger(s.Logger, "key_redeemer"),
	}
}

// Validate looks key up without consuming it.
func (r *KeyRedeemer) Validate(ctx context.Context, accountToken, key, region string) (KeyValidationResult, error) {
	lookup, err := retry.Do(ctx, r.retry, func(ctx context.Context) (KeyLookup, error) {
		return r.api.LookupKey(ctx, accountToken, key, region)
	})
	if err != nil {
		err = r.fail(ctx, "validate_key", credentials.ScopeProxyAuth, key, err)
		return KeyValidationResult{}, err
	}

	result := KeyValidationResult{
		IsValid:           lookup.State == TokenActive,
		IsAlreadyRedeemed: lookup.State == TokenRedeemed,
		TokenState:        lookup.State,
		Region:            lookup.Region,
		CatalogError:      lookup.CatalogError,
	}
	if lookup.Product != nil {
		info := productFromCatalog(r.catalog.Enrich(ctx, *lookup.Product, region))
		result.Product = &info
	}

	r.log.debug(ctx, "validate_key", string(lookup.State), keyAttrs(key)...)
	return result, nil
}

// Redeem consumes key on the account identified by auth.
func (r *KeyRedeemer) Redeem(ctx context.Context, key string, auth AuthContext) (RedeemOutcome, error) {
	resp, err := retry.Do(ctx, r.retry, func(ctx context.Context) (RedeemResponse, error) {
		return r.api.Redeem(ctx, auth.BearerToken, key, auth.Market)
	})
	if err != nil {
		err = r.fail(ctx, "redeem_key", credentials.ScopeBearer, key, err)
		r.metrics.keyRedeemed(ctx, string(KindOf(err)))
		return RedeemOutcome{}, err
	}

	outcome := RedeemOutcome{Key: key}
	for _, p := range resp.Products {
		outcome.Products = append(outcome.Products, productFromCatalog(r.catalog.Enrich(ctx, p, auth.Market)))
	}
	if len(outcome.Products) > 0 {
		outcome.Product = outcome.Products[0]
	}

	r.metrics.keyRedeemed(ctx, "success")
	r.log.info(ctx, "redeem_key", "success",
		append(keyAttrs(key), slog.String("product", outcome.Product.Title))...)
	return outcome, nil
}

// fail tags err and drops the credential for scope when it was rejected.
func (r *KeyRedeemer) fail(ctx context.Context, action string, scope credentials.Scope, key string, err error) error {
	err = classifyTransport(action, err, r.retry.Config().MaxAttempts > 1)
	kind := KindOf(err)
	if IsAuthKind(kind) {
		r.creds.Invalidate(scope)
	}
	r.log.warn(ctx, action, string(kind), append(keyAttrs(key), errAttr(err))...)
	return err
}
