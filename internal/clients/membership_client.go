package clients

import (
	"context"
	"net/http"
	"net/url"

	"biblioteca/internal/circulation"
)

// MembershipClient looks up patrons in the membership service.
type MembershipClient struct {
	resourceClient
}

func NewMembershipClient(baseURL string, httpClient *http.Client) *MembershipClient {
	return &MembershipClient{resourceClient: newResourceClient("membership", baseURL, httpClient)}
}

// UserExists reports whether the membership service knows the patron.
func (c *MembershipClient) UserExists(ctx context.Context, id circulation.UserID) (bool, error) {
	return c.exists(ctx, "members", url.PathEscape(id.String()))
}
