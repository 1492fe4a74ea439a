package clients

import (
	"context"
	"net/http"
	"net/url"

	"biblioteca/internal/circulation"
)

// CatalogClient looks up books in the catalog service.
type CatalogClient struct {
	resourceClient
}

func NewCatalogClient(baseURL string, httpClient *http.Client) *CatalogClient {
	return &CatalogClient{resourceClient: newResourceClient("catalog", baseURL, httpClient)}
}

// BookExists reports whether the catalog knows the book.
func (c *CatalogClient) BookExists(ctx context.Context, id circulation.BookID) (bool, error) {
	return c.exists(ctx, "items", url.PathEscape(id.String()))
}
