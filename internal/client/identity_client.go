package client

import "context"

// IdentityClient resolves user identities against the platform identity
// service. Used to validate approver and feedback-target assignments.
type IdentityClient struct {
	httpJSON
}

// NewIdentityClient creates a client for the identity service.
func NewIdentityClient(baseURL string) *IdentityClient {
	return &IdentityClient{httpJSON: newHTTPJSON(baseURL)}
}

// MissingUsers returns the subset of the given user ids that the identity
// service does not know. An empty result means all ids are valid.
func (c *IdentityClient) MissingUsers(ctx context.Context, userIDs []string) ([]string, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}

	var resp struct {
		Missing []string `json:"missing"`
	}
	err := c.post(ctx, "/v1/users/lookup", map[string]any{"user_ids": userIDs}, &resp)
	if err != nil {
		return nil, err
	}
	return resp.Missing, nil
}
