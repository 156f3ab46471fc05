package handler

import "github.com/gofiber/fiber/v2"

// RegisterRoutes mounts the item and run endpoints on an authenticated
// router. The limit handlers may be nil.
func RegisterRoutes(api fiber.Router, items *ItemHandler, runs *RunHandler, runLimit, enqueueLimit fiber.Handler) {
	if runLimit == nil {
		runLimit = passThrough
	}
	if enqueueLimit == nil {
		enqueueLimit = passThrough
	}

	// Item routes
	api.Get("/items/:item", items.Show)
	api.Put("/items/:item/variants", enqueueLimit, items.SetVariants)
	api.Post("/items/:item/tasks/:task", enqueueLimit, items.Enqueue)
	api.Post("/items/:item/tasks/:task/reset", enqueueLimit, items.Reset)

	// Run routes
	api.Post("/run", runLimit, runs.Run)
	api.Post("/run/async", runLimit, runs.RunAsync)
	api.Get("/run/preview", runs.Preview)
	api.Get("/run/last", runs.Last)
	api.Get("/run/:runId", runs.Get)
}

func passThrough(c *fiber.Ctx) error {
	return c.Next()
}
