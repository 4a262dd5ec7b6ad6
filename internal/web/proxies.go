package web

import (
	"fmt"
	"net/netip"
	"strings"

	"github.com/gin-gonic/gin"
)

// ConfigureTrustedProxies limits which peers may set X-Forwarded-For and
// X-Real-IP. With no proxies configured, ClientIP is always the socket peer.
func ConfigureTrustedProxies(router *gin.Engine, proxies []string) error {
	trusted := make([]string, 0, len(proxies))
	for _, raw := range proxies {
		candidate := strings.TrimSpace(raw)
		if candidate == "" {
			continue
		}
		if strings.Contains(candidate, "/") {
			prefix, err := netip.ParsePrefix(candidate)
			if err != nil {
				return fmt.Errorf("web.trusted_proxies: invalid prefix %q: %w", candidate, err)
			}
			trusted = append(trusted, prefix.Masked().String())
			continue
		}
		addr, err := netip.ParseAddr(candidate)
		if err != nil {
			return fmt.Errorf("web.trusted_proxies: invalid address %q: %w", candidate, err)
		}
		trusted = append(trusted, addr.String())
	}
	if len(trusted) == 0 {
		return router.SetTrustedProxies(nil)
	}
	return router.SetTrustedProxies(trusted)
}
