// Package connect tracks a payee's connected account with the card processor.
//
// Lifecycle: not_created -> pending -> active, with pending <-> incomplete while the
// payee still owes the processor information. Only active accounts take card payments.
package connect

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/singleflight"

	"invoicing/api_collections/internal/store"
	"invoicing/pkg/clients"
	"invoicing/pkg/logging"
	"invoicing/pkg/models"
)

// AccountStatus is the processor's view of a connected account.
type AccountStatus struct {
	DetailsSubmitted bool
	PayoutsEnabled   bool
}

// Processor is the subset of the card processor used for onboarding.
type Processor interface {
	// CreateAccount creates a sub-account for the payee and returns its processor id.
	// Repeated calls for the same owner must return the same account.
	CreateAccount(ctx context.Context, ownerUserID, email string) (string, error)
	GetAccountStatus(ctx context.Context, processorAccountID string) (AccountStatus, error)
	// CreateAccountLink returns a hosted onboarding URL.
	CreateAccountLink(ctx context.Context, processorAccountID, returnURL, refreshURL string) (string, error)
}

// ErrNoProcessorAccount is returned for operations that need a processor account that was never created.
var ErrNoProcessorAccount = errors.New("connected account has not been created with the processor")

// MapStatus turns processor flags into an onboarding status.
func MapStatus(s AccountStatus) models.OnboardingStatus {
	switch {
	case s.DetailsSubmitted && s.PayoutsEnabled:
		return models.OnboardingActive
	case s.DetailsSubmitted:
		return models.OnboardingPending
	default:
		return models.OnboardingIncomplete
	}
}

// CanAcceptCardPayments is true iff onboarding is complete.
func CanAcceptCardPayments(account *models.ConnectedAccount) bool {
	return account != nil && account.OnboardingStatus == models.OnboardingActive
}

// Service drives the onboarding lifecycle.
type Service struct {
	accounts  store.Accounts
	processor Processor
	exec      *clients.Executor
	logger    logging.Logger

	setups    singleflight.Group
	refreshes singleflight.Group
}

// NewService creates the service. exec may be nil, in which case processor calls run once.
func NewService(accounts store.Accounts, processor Processor, exec *clients.Executor, logger logging.Logger) *Service {
	if exec == nil {
		exec = clients.NewExecutor(clients.RetryConfig{MaxRetries: 0}, nil)
	}
	return &Service{
		accounts:  accounts,
		processor: processor,
		exec:      exec,
		logger:    logger,
	}
}

// Account returns the owner's account, or a not_created placeholder when none is stored.
func (s *Service) Account(ctx context.Context, ownerUserID string) (*models.ConnectedAccount, error) {
	account, err := s.accounts.GetConnectedAccount(ctx, ownerUserID)
	if errors.Is(err, store.ErrNotFound) {
		return &models.ConnectedAccount{OwnerUserID: ownerUserID, OnboardingStatus: models.OnboardingNotCreated}, nil
	}
	if err != nil {
		return nil, err
	}
	return account, nil
}

// RequestSetup creates the payee's processor account. It is idempotent per owner:
// an account that already has a processor id is returned unchanged.
func (s *Service) RequestSetup(ctx context.Context, ownerUserID, email string) (*models.ConnectedAccount, error) {
	if ownerUserID == "" {
		return nil, fmt.Errorf("owner user id is required")
	}

	v, err, _ := s.setups.Do(ownerUserID, func() (any, error) {
		return s.requestSetup(ctx, ownerUserID, email)
	})
	if err != nil {
		return nil, err
	}
	return copyAccount(v.(*models.ConnectedAccount)), nil
}

func (s *Service) requestSetup(ctx context.Context, ownerUserID, email string) (*models.ConnectedAccount, error) {
	account, err := s.Account(ctx, ownerUserID)
	if err != nil {
		return nil, fmt.Errorf("failed to load connected account: %w", err)
	}
	if account.ProcessorAccountID != nil {
		return account, nil
	}

	// Persist the placeholder first so a failed processor call leaves a retryable not_created row.
	if account.ID == "" {
		if err := s.accounts.UpsertConnectedAccount(ctx, account); err != nil {
			return nil, fmt.Errorf("failed to record connected account: %w", err)
		}
	}

	var processorID string
	err = s.exec.Run(ctx, func(ctx context.Context) error {
		var err error
		processorID, err = s.processor.CreateAccount(ctx, ownerUserID, email)
		return err
	})
	if err != nil {
		s.logger.WithError(err).WithField("owner_user_id", ownerUserID).Warn("Failed to create processor account")
		return nil, fmt.Errorf("failed to create processor account: %w", err)
	}

	account.ProcessorAccountID = &processorID
	account.OnboardingStatus = models.OnboardingPending
	if err := s.accounts.UpsertConnectedAccount(ctx, account); err != nil {
		return nil, fmt.Errorf("failed to record connected account: %w", err)
	}

	s.logger.WithFields(logging.Fields{
		"owner_user_id":        ownerUserID,
		"processor_account_id": processorID,
	}).Info("Created connected account")
	return account, nil
}

// RefreshStatus polls the processor and persists the mapped status. Concurrent refreshes of
// the same account share one processor call.
func (s *Service) RefreshStatus(ctx context.Context, account *models.ConnectedAccount) (*models.ConnectedAccount, error) {
	processorID := account.ProcessorID()
	if processorID == "" {
		return account, nil
	}

	v, err, _ := s.refreshes.Do(processorID, func() (any, error) {
		var status AccountStatus
		err := s.exec.Run(ctx, func(ctx context.Context) error {
			var err error
			status, err = s.processor.GetAccountStatus(ctx, processorID)
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("failed to read account status: %w", err)
		}
		return s.apply(ctx, copyAccount(account), status)
	})
	if err != nil {
		return nil, err
	}
	return copyAccount(v.(*models.ConnectedAccount)), nil
}

// HandleAccountUpdated applies a pushed status change, e.g. from an account.updated webhook.
// Unknown accounts are ignored and reported as store.ErrNotFound.
func (s *Service) HandleAccountUpdated(ctx context.Context, processorAccountID string, status AccountStatus) (*models.ConnectedAccount, error) {
	account, err := s.accounts.GetConnectedAccountByProcessorID(ctx, processorAccountID)
	if err != nil {
		return nil, err
	}
	return s.apply(ctx, account, status)
}

func (s *Service) apply(ctx context.Context, account *models.ConnectedAccount, status AccountStatus) (*models.ConnectedAccount, error) {
	next := MapStatus(status)
	if next == account.OnboardingStatus {
		return account, nil
	}
	prev := account.OnboardingStatus
	account.OnboardingStatus = next
	if err := s.accounts.UpsertConnectedAccount(ctx, account); err != nil {
		return nil, fmt.Errorf("failed to record onboarding status: %w", err)
	}
	s.logger.WithFields(logging.Fields{
		"owner_user_id":        account.OwnerUserID,
		"processor_account_id": account.ProcessorID(),
		"from_status":          prev,
		"to_status":            next,
	}).Info("Connected account onboarding status changed")
	return account, nil
}

// OnboardingLink returns a hosted link where the payee completes or resumes onboarding.
// Issuing a link for an incomplete account moves it back to pending.
func (s *Service) OnboardingLink(ctx context.Context, account *models.ConnectedAccount, returnURL, refreshURL string) (string, error) {
	processorID := account.ProcessorID()
	if processorID == "" {
		return "", ErrNoProcessorAccount
	}

	var url string
	err := s.exec.Run(ctx, func(ctx context.Context) error {
		var err error
		url, err = s.processor.CreateAccountLink(ctx, processorID, returnURL, refreshURL)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("failed to create onboarding link: %w", err)
	}

	if account.OnboardingStatus == models.OnboardingIncomplete {
		account.OnboardingStatus = models.OnboardingPending
		if err := s.accounts.UpsertConnectedAccount(ctx, account); err != nil {
			return "", fmt.Errorf("failed to record onboarding status: %w", err)
		}
	}
	return url, nil
}

func copyAccount(a *models.ConnectedAccount) *models.ConnectedAccount {
	cp := *a
	if a.ProcessorAccountID != nil {
		id := *a.ProcessorAccountID
		cp.ProcessorAccountID = &id
	}
	if a.FeeRateBps != nil {
		bps := *a.FeeRateBps
		cp.FeeRateBps = &bps
	}
	return &cp
}
