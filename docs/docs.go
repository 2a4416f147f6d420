// Package docs registers the generated OpenAPI document for swaggo's
// http-swagger UI. It is imported blank from cmd/server for its init-time
// registration side effect.
package docs

import "github.com/swaggo/swag"

const docTemplate = `{
  "swagger": "2.0",
  "info": {
    "title": "flowpay API",
    "description": "Order flow and account matching engine for reconciling storefront orders with on-chain payments.",
    "version": "1.0"
  },
  "basePath": "/",
  "paths": {}
}`

// SwaggerInfo holds exported Swagger metadata, populated the way swag init
// generates it.
var SwaggerInfo = &swag.Spec{
	Version:          "1.0",
	Host:             "localhost:8080",
	BasePath:         "/",
	Schemes:          []string{},
	Title:            "flowpay API",
	Description:      "Order flow and account matching engine for reconciling storefront orders with on-chain payments.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
