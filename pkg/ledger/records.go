package ledger

// BuildTransaction rehydrates a stored transaction row, validating every field.
func BuildTransaction(id string, userID string, holdID string, transactionType string, status string, amount int64, description string, metadata string, createdUnixUTC int64) (Transaction, error) {
	transactionID, err := NewTransactionID(id)
	if err != nil {
		return Transaction{}, err
	}
	owner, err := NewUserID(userID)
	if err != nil {
		return Transaction{}, err
	}
	var parsedHoldID HoldID
	if holdID != "" {
		parsedHoldID, err = NewHoldID(holdID)
		if err != nil {
			return Transaction{}, err
		}
	}
	parsedType, err := ParseTransactionType(transactionType)
	if err != nil {
		return Transaction{}, err
	}
	parsedStatus, err := ParseTransactionStatus(status)
	if err != nil {
		return Transaction{}, err
	}
	parsedMetadata, err := NewMetadataJSON(metadata)
	if err != nil {
		return Transaction{}, err
	}
	return Transaction{
		ID:             transactionID,
		UserID:         owner,
		HoldID:         parsedHoldID,
		Type:           parsedType,
		Status:         parsedStatus,
		Amount:         Credits(amount),
		Description:    description,
		Metadata:       parsedMetadata,
		CreatedUnixUTC: createdUnixUTC,
	}, nil
}

// BuildGrant rehydrates a stored grant row.
func BuildGrant(id string, userID string, transactionID string, source string, amount int64, remaining int64, expiresAtUnixUTC int64, createdUnixUTC int64) (Grant, error) {
	grantID, err := NewGrantID(id)
	if err != nil {
		return Grant{}, err
	}
	owner, err := NewUserID(userID)
	if err != nil {
		return Grant{}, err
	}
	parsedTransactionID, err := NewTransactionID(transactionID)
	if err != nil {
		return Grant{}, err
	}
	parsedSource, err := ParseTransactionType(source)
	if err != nil {
		return Grant{}, err
	}
	if remaining < 0 || remaining > amount {
		return Grant{}, WrapError("ledger", "grant", "invalid_remaining", ErrInvalidAmount)
	}
	return Grant{
		ID:               grantID,
		UserID:           owner,
		TransactionID:    parsedTransactionID,
		Source:           parsedSource,
		Amount:           Credits(amount),
		Remaining:        Credits(remaining),
		ExpiresAtUnixUTC: expiresAtUnixUTC,
		CreatedUnixUTC:   createdUnixUTC,
	}, nil
}
