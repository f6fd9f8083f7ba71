// Package graphql exposes a read-only GraphQL view of licenses.
package graphql

import (
	"context"
	"errors"
	"fmt"

	"github.com/graphql-go/graphql"

	"github.com/dd0wney/cluso-license/pkg/auth"
	"github.com/dd0wney/cluso-license/pkg/licensing"
)

// Source is the subset of *licensing.Service the schema reads from.
type Source interface {
	Get(ctx context.Context, id string) (*licensing.Record, error)
	ListBySubject(ctx context.Context, subject string) ([]*licensing.Record, error)
	IsRevoked(ctx context.Context, id string) (bool, error)
	Verify(ctx context.Context, req licensing.VerifyRequest) (licensing.VerifyResult, error)
	Policy() *licensing.Policy
}

// ErrForbidden is returned when the caller may not read a subject's licenses.
var ErrForbidden = errors.New("not allowed to read licenses of this subject")

// canRead reports whether the caller in ctx may see licenses of subject.
// Unauthenticated contexts are only possible when the handler is mounted
// without auth, so they are allowed.
func canRead(ctx context.Context, subject string) bool {
	claims := auth.ClaimsFromContext(ctx)
	if claims == nil {
		return true
	}
	return claims.CanIssue() || claims.Caller == subject
}

// NewSchema builds the query schema over src.
func NewSchema(src Source) (graphql.Schema, error) {
	licenseType := createLicenseType(src)
	verificationType := createVerificationType(licenseType)
	policyType := createPolicyType()

	queryType := graphql.NewObject(graphql.ObjectConfig{
		Name: "Query",
		Fields: graphql.Fields{
			"health": &graphql.Field{
				Type: graphql.String,
				Resolve: func(p graphql.ResolveParams) (any, error) {
					return "ok", nil
				},
			},
			"license": &graphql.Field{
				Type: licenseType,
				Args: graphql.FieldConfigArgument{
					"id": &graphql.ArgumentConfig{Type: graphql.NewNonNull(graphql.ID)},
				},
				Resolve: licenseResolver(src),
			},
			"licenses": &graphql.Field{
				Type: graphql.NewList(licenseType),
				Args: graphql.FieldConfigArgument{
					"subject": &graphql.ArgumentConfig{Type: graphql.NewNonNull(graphql.String)},
				},
				Resolve: licensesResolver(src),
			},
			"verify": &graphql.Field{
				Type: verificationType,
				Args: graphql.FieldConfigArgument{
					"license": &graphql.ArgumentConfig{Type: graphql.NewNonNull(graphql.String)},
					"subject": &graphql.ArgumentConfig{Type: graphql.NewNonNull(graphql.String)},
				},
				Resolve: verifyResolver(src),
			},
			"policy": &graphql.Field{
				Type: policyType,
				Resolve: func(p graphql.ResolveParams) (any, error) {
					return src.Policy(), nil
				},
			},
		},
	})

	schema, err := graphql.NewSchema(graphql.SchemaConfig{Query: queryType})
	if err != nil {
		return graphql.Schema{}, fmt.Errorf("failed to create schema: %w", err)
	}
	return schema, nil
}

func createLicenseType(src Source) *graphql.Object {
	return graphql.NewObject(graphql.ObjectConfig{
		Name: "License",
		Fields: graphql.Fields{
			"id":            recordField(graphql.NewNonNull(graphql.ID), func(r *licensing.Record) any { return r.ID }),
			"subject":       recordField(graphql.NewNonNull(graphql.String), func(r *licensing.Record) any { return r.Subject }),
			"scope":         recordField(graphql.NewList(graphql.String), func(r *licensing.Record) any { return r.Scope }),
			"issuedAt":      recordField(graphql.DateTime, func(r *licensing.Record) any { return r.IssuedAt }),
			"expiresAt":     recordField(graphql.DateTime, func(r *licensing.Record) any { return r.ExpiresAt }),
			"predecessorId": recordField(graphql.ID, func(r *licensing.Record) any { return nilIfEmpty(r.PredecessorID) }),
			"revoked": &graphql.Field{
				Type: graphql.Boolean,
				Resolve: func(p graphql.ResolveParams) (any, error) {
					rec, ok := p.Source.(*licensing.Record)
					if !ok {
						return nil, nil
					}
					return src.IsRevoked(p.Context, rec.ID)
				},
			},
		},
	})
}

func recordField(typ graphql.Output, get func(*licensing.Record) any) *graphql.Field {
	return &graphql.Field{
		Type: typ,
		Resolve: func(p graphql.ResolveParams) (any, error) {
			if rec, ok := p.Source.(*licensing.Record); ok {
				return get(rec), nil
			}
			return nil, nil
		},
	}
}

func createVerificationType(licenseType *graphql.Object) *graphql.Object {
	return graphql.NewObject(graphql.ObjectConfig{
		Name: "Verification",
		Fields: graphql.Fields{
			"valid":   verificationField(graphql.NewNonNull(graphql.Boolean), func(v licensing.VerifyResult) any { return v.Valid() }),
			"outcome": verificationField(graphql.NewNonNull(graphql.String), func(v licensing.VerifyResult) any { return v.Outcome.String() }),
			"reason":  verificationField(graphql.String, func(v licensing.VerifyResult) any { return nilIfEmpty(v.Reason) }),
			"scope":   verificationField(graphql.NewList(graphql.String), func(v licensing.VerifyResult) any { return v.Scope }),
			"license": verificationField(licenseType, func(v licensing.VerifyResult) any {
				if v.Record == nil {
					return nil
				}
				return v.Record
			}),
		},
	})
}

func verificationField(typ graphql.Output, get func(licensing.VerifyResult) any) *graphql.Field {
	return &graphql.Field{
		Type: typ,
		Resolve: func(p graphql.ResolveParams) (any, error) {
			if res, ok := p.Source.(licensing.VerifyResult); ok {
				return get(res), nil
			}
			return nil, nil
		},
	}
}

func createPolicyType() *graphql.Object {
	policyField := func(typ graphql.Output, get func(*licensing.Policy) any) *graphql.Field {
		return &graphql.Field{
			Type: typ,
			Resolve: func(p graphql.ResolveParams) (any, error) {
				if pol, ok := p.Source.(*licensing.Policy); ok && pol != nil {
					return get(pol), nil
				}
				return nil, nil
			},
		}
	}

	return graphql.NewObject(graphql.ObjectConfig{
		Name: "Policy",
		Fields: graphql.Fields{
			"scopes":                  policyField(graphql.NewList(graphql.String), func(p *licensing.Policy) any { return p.Scopes() }),
			"maxDurationSeconds":      policyField(graphql.Float, func(p *licensing.Policy) any { return p.MaxDuration.Seconds() }),
			"renewalThresholdSeconds": policyField(graphql.Float, func(p *licensing.Policy) any { return p.RenewalThreshold.Seconds() }),
			"graceWindowSeconds":      policyField(graphql.Float, func(p *licensing.Policy) any { return p.GraceWindow.Seconds() }),
		},
	})
}

func licenseResolver(src Source) graphql.FieldResolveFn {
	return func(p graphql.ResolveParams) (any, error) {
		id, ok := p.Args["id"].(string)
		if !ok {
			return nil, fmt.Errorf("invalid id argument")
		}
		rec, err := src.Get(p.Context, id)
		if errors.Is(err, licensing.ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		if !canRead(p.Context, rec.Subject) {
			return nil, nil
		}
		return rec, nil
	}
}

func licensesResolver(src Source) graphql.FieldResolveFn {
	return func(p graphql.ResolveParams) (any, error) {
		subject, _ := p.Args["subject"].(string)
		if !canRead(p.Context, subject) {
			return nil, ErrForbidden
		}
		return src.ListBySubject(p.Context, subject)
	}
}

func verifyResolver(src Source) graphql.FieldResolveFn {
	return func(p graphql.ResolveParams) (any, error) {
		license, _ := p.Args["license"].(string)
		subject, _ := p.Args["subject"].(string)
		return src.Verify(p.Context, licensing.VerifyRequest{
			License: []byte(license),
			Subject: subject,
		})
	}
}

func nilIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
