// Package docs provides generated OpenAPI documentation.
//
// Storybook API
//
//	@title			Storybook API
//	@version		1.0
//	@description	Generation orchestration for illustrated books: submit book and batch jobs, follow them through text, images, layout and export, and steer them with cancel, resume and acknowledge.
//
//	@contact.name	API Support
//	@contact.url	https://github.com/jackzampolin/storybook
//
//	@license.name	MIT
//	@license.url	https://opensource.org/licenses/MIT
//
//	@host		localhost:8080
//	@BasePath	/
//
//	@schemes	http https
package docs

//go:generate swag init -g doc.go -d ./,../internal/server/endpoints -o ./ --outputTypes go --parseDependency --parseInternal
