package healthchecker

import (
	"github.com/wajeehaljunaid491/mimi-calls/internal/database"
)

func CheckDB() error {
	_, err := database.NewDatabase()
	return err
}
