package grpc

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/partnerdesk/progression-engine/internal/ports"
)

func endpointFailing(endpoint string) bool {
	return strings.Contains(strings.ToLower(strings.TrimSpace(endpoint)), "fail")
}

type directoryClient struct{ endpoint string }

type paymentGatewayClient struct{ endpoint string }

func NewDirectoryClient(endpoint string) ports.DirectoryReader {
	return &directoryClient{endpoint: endpoint}
}

func NewPaymentGatewayClient(endpoint string) ports.PaymentGatewayReader {
	return &paymentGatewayClient{endpoint: endpoint}
}

func (c *directoryClient) GetPartnerIdentity(_ context.Context, partnerID string) (ports.PartnerIdentity, error) {
	if endpointFailing(c.endpoint) {
		return ports.PartnerIdentity{}, errors.New("directory upstream unavailable")
	}
	if strings.Contains(partnerID, "missing") {
		return ports.PartnerIdentity{}, errors.New("partner not registered")
	}
	return ports.PartnerIdentity{
		PartnerID:   partnerID,
		DisplayName: "Partner " + partnerID,
		Email:       partnerID + "@partnerdesk.example",
		Active:      true,
	}, nil
}

func (c *paymentGatewayClient) GetSubscriptionStanding(_ context.Context, partnerID string) (ports.SubscriptionStanding, error) {
	if endpointFailing(c.endpoint) {
		return ports.SubscriptionStanding{}, errors.New("payment gateway upstream unavailable")
	}
	status := "active"
	if strings.Contains(partnerID, "lapsed") {
		status = "past_due"
	}
	return ports.SubscriptionStanding{
		PartnerID:        partnerID,
		PlanID:           "partner-standard",
		Status:           status,
		CurrentPeriodEnd: time.Now().UTC().Add(30 * 24 * time.Hour),
	}, nil
}
