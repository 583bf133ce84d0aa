package notify

// MultiNotifier fans every notification out to all targets.
type MultiNotifier struct {
	targets []Notifier
}

func NewMultiNotifier(targets ...Notifier) *MultiNotifier {
	return &MultiNotifier{targets: targets}
}

func (m *MultiNotifier) NotifyDepositPending(userID uint64, intentID uint64, txHash string, amount float64) {
	for _, t := range m.targets {
		t.NotifyDepositPending(userID, intentID, txHash, amount)
	}
}

func (m *MultiNotifier) NotifyDepositConfirmed(userID uint64, intentID uint64, txHash string, amount float64) {
	for _, t := range m.targets {
		t.NotifyDepositConfirmed(userID, intentID, txHash, amount)
	}
}

func (m *MultiNotifier) NotifyDepositTimeout(userID uint64, intentID uint64) {
	for _, t := range m.targets {
		t.NotifyDepositTimeout(userID, intentID)
	}
}

func (m *MultiNotifier) AlertLowPayoutBalance(balance float64, required float64) {
	for _, t := range m.targets {
		t.AlertLowPayoutBalance(balance, required)
	}
}

func (m *MultiNotifier) AlertAmountDeviation(userID uint64, txHash string, amount float64, expected float64) {
	for _, t := range m.targets {
		t.AlertAmountDeviation(userID, txHash, amount, expected)
	}
}

func (m *MultiNotifier) AlertStreamDisconnect(reason string) {
	for _, t := range m.targets {
		t.AlertStreamDisconnect(reason)
	}
}
