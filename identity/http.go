/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package identity

import (
	"context"
	"fmt"

	"github.com/tejzpr/consult-go-sdk/consultsdk"
)

// HTTPProvider asks the application API who the access token belongs to.
type HTTPProvider struct {
	client *consultsdk.Client
	path   string
}

// NewHTTPProvider returns a Provider that calls GET <base>/me.
func NewHTTPProvider(client *consultsdk.Client) *HTTPProvider {
	return &HTTPProvider{client: client, path: "me"}
}

// Resolve fetches the current user.
func (p *HTTPProvider) Resolve(ctx context.Context) (*Participant, error) {
	var participant Participant
	if err := p.client.GetJSON(ctx, p.path, &participant); err != nil {
		if consultsdk.IsAuthError(err) {
			return nil, consultsdk.NewPreconditionError("identity", "not signed in: %v", err)
		}
		return nil, fmt.Errorf("failed to resolve current user: %w", err)
	}
	if err := participant.Validate(); err != nil {
		return nil, err
	}
	return &participant, nil
}
