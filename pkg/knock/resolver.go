/*
 * Copyright 2025 Carver Automation Corporation.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package knock

import (
	"context"
	"fmt"
	"net"

	"github.com/carverauto/knockseq/pkg/logger"
	"github.com/carverauto/knockseq/pkg/models"
)

// Resolver turns a host string into the single Target shared by every knock
// in a run. Resolution happens exactly once; workers never do DNS lookups.
type Resolver struct {
	resolver *net.Resolver
	logger   logger.Logger
}

func NewResolver(log logger.Logger) *Resolver {
	return &Resolver{
		resolver: net.DefaultResolver,
		logger:   log,
	}
}

// Resolve looks up host and selects one address. family restricts the lookup
// to "4" or "6"; when empty, an IPv4 answer is preferred if both families
// resolve, otherwise the first answer wins.
func (r *Resolver) Resolve(ctx context.Context, host, family string) (models.Target, error) {
	network := "ip"

	switch family {
	case "4":
		network = "ip4"
	case "6":
		network = "ip6"
	}

	ips, err := r.resolver.LookupIP(ctx, network, host)
	if err != nil {
		return models.Target{}, fmt.Errorf("%w: %q: %w", ErrResolution, host, err)
	}

	if len(ips) == 0 {
		return models.Target{}, fmt.Errorf("%w: %q", ErrNoAddresses, host)
	}

	ip := ips[0]

	if family == "" {
		for _, candidate := range ips {
			if candidate.To4() != nil {
				ip = candidate
				break
			}
		}
	}

	r.logger.Debug().
		Str("host", host).
		Str("ip", ip.String()).
		Int("answers", len(ips)).
		Msg("resolved knock target")

	return models.Target{Host: host, IP: ip}, nil
}
