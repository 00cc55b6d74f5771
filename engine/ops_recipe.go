package engine

import (
	"context"

	"bottleline/recipe"
)

// ListRecipes returns the recipe catalogue.
func (e *Engine) ListRecipes() []recipe.Recipe {
	return e.recipes.List()
}

// GetRecipe returns one recipe.
func (e *Engine) GetRecipe(id int) (recipe.Recipe, error) {
	return e.recipes.Get(id)
}

// CreateRecipe adds a recipe and saves the config.
func (e *Engine) CreateRecipe(r recipe.Recipe) (recipe.Recipe, error) {
	created, err := e.recipes.Create(r)
	if err != nil {
		return recipe.Recipe{}, err
	}
	e.emit(EventRecipeCreated, RecipeEvent{ID: created.ID, Name: created.Name})
	return created, nil
}

// UpdateRecipe replaces a recipe and saves the config.
func (e *Engine) UpdateRecipe(id int, r recipe.Recipe) (recipe.Recipe, error) {
	updated, err := e.recipes.Update(id, r)
	if err != nil {
		return recipe.Recipe{}, err
	}
	e.emit(EventRecipeUpdated, RecipeEvent{ID: updated.ID, Name: updated.Name})
	return updated, nil
}

// DeleteRecipe removes a recipe and saves the config.
func (e *Engine) DeleteRecipe(id int) error {
	if err := e.recipes.Delete(id); err != nil {
		return err
	}
	e.emit(EventRecipeDeleted, RecipeEvent{ID: id})
	return nil
}

// ApplyRecipe writes the recipe's bottle count to the PLC.
func (e *Engine) ApplyRecipe(ctx context.Context, id int) (recipe.Recipe, error) {
	r, err := e.recipes.Apply(ctx, id)
	if err != nil {
		return r, err
	}
	e.emit(EventRecipeApplied, RecipeEvent{ID: r.ID, Name: r.Name})
	return r, nil
}
