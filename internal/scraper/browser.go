package scraper

import "context"

// Launcher starts a browser process.
type Launcher interface {
	Launch(ctx context.Context) (Browser, error)
}

// Browser is one running browser shared by every page of a batch.
type Browser interface {
	NewPage(ctx context.Context) (Page, error)
	Close() error
}

// Page is a single tab owned by one scraping task.
type Page interface {
	// Navigate loads url and returns once network activity has settled.
	Navigate(ctx context.Context, url string) error
	// VisibleText returns the rendered text of the document body.
	VisibleText(ctx context.Context) (string, error)
	Close() error
}
