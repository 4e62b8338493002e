package db

func DefaultSettings(chatID int64) *Settings {
	return &Settings{
		ID:       chatID,
		Enabled:  true,
		Language: "en",
	}
}
