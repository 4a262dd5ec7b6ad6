package connectkit

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidRequest indicates the inbound callback payload is unusable.
	ErrInvalidRequest = errors.New("connect.invalid_request")
	// ErrInvalidState indicates the anti-forgery state did not match or was not issued by this server.
	ErrInvalidState = errors.New("connect.invalid_state")
	// ErrTokenExchangeFailed indicates the provider rejected the authorization code exchange.
	ErrTokenExchangeFailed = errors.New("connect.token_exchange_failed")
	// ErrProfileFetchFailed indicates the provider identity endpoint failed.
	ErrProfileFetchFailed = errors.New("connect.profile_fetch_failed")
	// ErrPersistenceFailed indicates a local store read or write failed.
	ErrPersistenceFailed = errors.New("connect.persistence_failed")
	// ErrNotAuthenticated indicates no usable session exists.
	ErrNotAuthenticated = errors.New("connect.not_authenticated")
	// ErrNoVendorAssociated indicates the connected user has no vendor storefront.
	ErrNoVendorAssociated = errors.New("connect.no_vendor_associated")
	// ErrUpstreamFetchFailed indicates the provider catalog endpoint failed.
	ErrUpstreamFetchFailed = errors.New("connect.upstream_fetch_failed")
)

// ProviderError carries the provider response that caused a failure.
// Status and Body are diagnostic and must not be echoed to end users.
type ProviderError struct {
	Kind   error
	Status int
	Body   string
	Err    error
}

func (providerError *ProviderError) Error() string {
	if providerError.Err != nil {
		return fmt.Sprintf("%v: %v", providerError.Kind, providerError.Err)
	}
	return fmt.Sprintf("%v: status %d", providerError.Kind, providerError.Status)
}

// Unwrap exposes both the kind sentinel and the transport cause.
func (providerError *ProviderError) Unwrap() []error {
	if providerError.Err == nil {
		return []error{providerError.Kind}
	}
	return []error{providerError.Kind, providerError.Err}
}

// ProviderStatus extracts the upstream status code from err, if any.
func ProviderStatus(err error) (int, bool) {
	var providerError *ProviderError
	if errors.As(err, &providerError) && providerError.Status != 0 {
		return providerError.Status, true
	}
	return 0, false
}
