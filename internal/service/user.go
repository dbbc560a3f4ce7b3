package service

import (
	"context"
	"fmt"

	"github.com/stefke3210-cmd/agrimods/internal/dto"
	"github.com/stefke3210-cmd/agrimods/internal/repository"
)

type UserService interface {
	ListEntitlements(ctx context.Context, userID string) (*dto.EntitlementsResponse, error)
}

type userServiceImpl struct {
	userRepo        repository.UserRepository
	entitlementRepo repository.EntitlementRepository
}

func NewUserService(userRepo repository.UserRepository, entitlementRepo repository.EntitlementRepository) UserService {
	return &userServiceImpl{
		userRepo:        userRepo,
		entitlementRepo: entitlementRepo,
	}
}

func (s *userServiceImpl) ListEntitlements(ctx context.Context, userID string) (*dto.EntitlementsResponse, error) {
	user, err := s.userRepo.FindByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load user: %w", err)
	}

	entitlements, err := s.entitlementRepo.ListByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list entitlements: %w", err)
	}

	modIDs := make([]string, len(entitlements))
	for i, entitlement := range entitlements {
		modIDs[i] = entitlement.ModID
	}

	return &dto.EntitlementsResponse{
		ModIDs:                modIDs,
		SubscriptionActive:    user.SubscriptionActive,
		SubscriptionExpiresAt: user.SubscriptionExpiresAt,
	}, nil
}
