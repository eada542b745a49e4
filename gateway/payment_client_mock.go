package gateway

import (
	"context"
	"sync"

	"github.com/lithammer/shortuuid/v3"
)

type PaymentMock struct {
	lock sync.Mutex

	CreateErr  error
	CaptureErr error
	CancelErr  error
	RefundErr  error

	payments  map[string]CreatePaymentRequest
	captured  []string
	cancelled []string
	refunded  []string
}

func (m *PaymentMock) CreatePayment(_ context.Context, request CreatePaymentRequest) (Payment, error) {
	m.lock.Lock()
	defer m.lock.Unlock()

	if m.CreateErr != nil {
		return Payment{}, m.CreateErr
	}

	if m.payments == nil {
		m.payments = make(map[string]CreatePaymentRequest)
	}

	reference := "PAY-" + shortuuid.New()
	m.payments[reference] = request

	return Payment{PaymentReference: reference, Status: "AUTHORIZED"}, nil
}

func (m *PaymentMock) CapturePayment(_ context.Context, paymentReference string) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	if m.CaptureErr != nil {
		return m.CaptureErr
	}

	m.captured = append(m.captured, paymentReference)
	return nil
}

func (m *PaymentMock) CancelPayment(_ context.Context, paymentReference string) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	if m.CancelErr != nil {
		return m.CancelErr
	}

	m.cancelled = append(m.cancelled, paymentReference)
	return nil
}

func (m *PaymentMock) RefundPayment(_ context.Context, paymentReference string) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	if m.RefundErr != nil {
		return m.RefundErr
	}

	m.refunded = append(m.refunded, paymentReference)
	return nil
}

func (m *PaymentMock) Captured() []string {
	m.lock.Lock()
	defer m.lock.Unlock()
	return append([]string(nil), m.captured...)
}

func (m *PaymentMock) Cancelled() []string {
	m.lock.Lock()
	defer m.lock.Unlock()
	return append([]string(nil), m.cancelled...)
}

func (m *PaymentMock) Refunded() []string {
	m.lock.Lock()
	defer m.lock.Unlock()
	return append([]string(nil), m.refunded...)
}
