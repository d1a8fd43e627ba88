// signald is the ground-to-ground voice coordination signaling gateway.
package main

import (
	"groundlink/internal/app"
)

func main() {
	application, err := app.New()
	if err != nil {
		panic(err)
	}

	if err := application.Run(); err != nil {
		panic(err)
	}
}
